package value

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrDivideByZero is returned by Div and Mod for a zero divisor of any
// numeric type.
var ErrDivideByZero = errors.New("division by zero")

// Add implements "+". When either operand is string-like the result is the
// concatenation of both display forms (text if either side is text). Two
// lists concatenate into a new list. date + int adds milliseconds.
// Otherwise the operands are promoted int → float → money.
func Add(a, b Value) (Value, error) {
	switch {
	case a.t.Textual() || b.t.Textual():
		if a.t == Text || b.t == Text {
			return NewText(a.String() + b.String()), nil
		}
		return NewString(a.String() + b.String()), nil
	case (a.t == List || a.t == MultiChoice) && (b.t == List || b.t == MultiChoice):
		items := make([]Value, 0, len(a.l.Items)+len(b.l.Items))
		items = append(items, a.l.Items...)
		items = append(items, b.l.Items...)
		return NewList(items...), nil
	case a.t == Date && b.t == Int:
		return NewDate(a.tm.Add(time.Duration(b.i) * time.Millisecond)), nil
	case a.t == Int && b.t == Date:
		return NewDate(b.tm.Add(time.Duration(a.i) * time.Millisecond)), nil
	}
	return numeric("+", a, b)
}

// Sub implements "-". date - date yields milliseconds.
func Sub(a, b Value) (Value, error) {
	switch {
	case a.t == Date && b.t == Date:
		return NewInt(a.tm.Sub(b.tm).Milliseconds()), nil
	case a.t == Date && b.t == Int:
		return NewDate(a.tm.Add(-time.Duration(b.i) * time.Millisecond)), nil
	}
	return numeric("-", a, b)
}

func Mul(a, b Value) (Value, error) { return numeric("*", a, b) }
func Div(a, b Value) (Value, error) { return numeric("/", a, b) }
func Mod(a, b Value) (Value, error) { return numeric("%", a, b) }

// Neg implements unary minus.
func Neg(a Value) (Value, error) {
	switch a.t {
	case Int:
		return NewInt(-a.i), nil
	case Float:
		return NewFloat(-a.f), nil
	case Money:
		return NewMoney(a.d.Neg()), nil
	}
	return NullValue, fmt.Errorf("operator - not defined for %s", a.t)
}

func numeric(op string, a, b Value) (Value, error) {
	if !a.t.Numeric() || !b.t.Numeric() {
		return NullValue, fmt.Errorf("operator %s not defined for %s and %s", op, a.t, b.t)
	}
	switch promote(a.t, b.t) {
	case Int:
		x, y := a.i, b.i
		switch op {
		case "+":
			return NewInt(x + y), nil
		case "-":
			return NewInt(x - y), nil
		case "*":
			return NewInt(x * y), nil
		case "/":
			if y == 0 {
				return NullValue, ErrDivideByZero
			}
			return NewInt(x / y), nil
		case "%":
			if y == 0 {
				return NullValue, ErrDivideByZero
			}
			return NewInt(x % y), nil
		}
	case Float:
		x, _ := a.Float()
		y, _ := b.Float()
		switch op {
		case "+":
			return NewFloat(x + y), nil
		case "-":
			return NewFloat(x - y), nil
		case "*":
			return NewFloat(x * y), nil
		case "/":
			if y == 0 {
				return NullValue, ErrDivideByZero
			}
			return NewFloat(x / y), nil
		case "%":
			if y == 0 {
				return NullValue, ErrDivideByZero
			}
			return NewFloat(math.Mod(x, y)), nil
		}
	case Money:
		x, err := a.Decimal()
		if err != nil {
			return NullValue, err
		}
		y, err := b.Decimal()
		if err != nil {
			return NullValue, err
		}
		switch op {
		case "+":
			return NewMoney(x.Add(y)), nil
		case "-":
			return NewMoney(x.Sub(y)), nil
		case "*":
			return NewMoney(RoundMoney(x.Mul(y))), nil
		case "/":
			if y.IsZero() {
				return NullValue, ErrDivideByZero
			}
			return NewMoney(RoundMoney(x.Div(y))), nil
		case "%":
			if y.IsZero() {
				return NullValue, ErrDivideByZero
			}
			return NewMoney(x.Mod(y)), nil
		}
	}
	return NullValue, fmt.Errorf("unknown operator %s", op)
}
