package value

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate parses the accepted date literal layouts.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if tm, err := time.Parse(layout, s); err == nil {
			return tm.UTC(), nil
		}
	}
	return time.Time{}, &TypeError{Want: Date, Got: String, Raw: s}
}

// ParseMoney parses a money literal, tolerating a leading "$".
func ParseMoney(s string) (decimal.Decimal, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "$")
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
	if err != nil {
		return decimal.Zero, &TypeError{Want: Money, Got: String, Raw: s}
	}
	return d, nil
}

// Construct builds a value of type t from a raw literal (a string or
// decoded JSON/YAML data). An unparsable literal is a *TypeError.
func Construct(t Type, raw any) (Value, error) {
	if raw == nil {
		return Zero(t), nil
	}
	if s, ok := raw.(string); ok {
		return constructFromString(t, s)
	}
	return Coerce(FromNative(raw), t)
}

func constructFromString(t Type, s string) (Value, error) {
	switch t {
	case String:
		return NewString(s), nil
	case Text:
		return NewText(s), nil
	case Location:
		return NewLocation(s), nil
	case Choice:
		return NewChoice(s), nil
	case Int:
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return NullValue, &TypeError{Want: Int, Got: String, Raw: s}
		}
		return NewInt(i), nil
	case Float:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return NullValue, &TypeError{Want: Float, Got: String, Raw: s}
		}
		return NewFloat(f), nil
	case Money:
		d, err := ParseMoney(s)
		if err != nil {
			return NullValue, err
		}
		return NewMoney(d), nil
	case Boolean:
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return NullValue, &TypeError{Want: Boolean, Got: String, Raw: s}
		}
		return NewBool(b), nil
	case Date:
		if strings.TrimSpace(s) == "" {
			return Zero(Date), nil
		}
		tm, err := ParseDate(s)
		if err != nil {
			return NullValue, err
		}
		return NewDate(tm), nil
	case MultiChoice:
		if strings.TrimSpace(s) == "" {
			return NewMultiChoice(), nil
		}
		parts := strings.Split(s, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return NewMultiChoice(parts...), nil
	case List:
		return NewList(NewString(s)), nil
	case Map:
		return NullValue, &TypeError{Want: Map, Got: String, Raw: s}
	}
	return NullValue, &TypeError{Want: t, Got: String, Raw: s}
}

// Coerce converts v to the target type.
//
//	from \ to     string/text/location/choice  int      float    money        date     boolean  list/multi_choice  map
//	null          zero value of the target type
//	string-like   as is                        parse    parse    parse        parse    parse    one-element        error
//	int           decimal form                 as is    promote  promote      unix ms  error    error              error
//	float         shortest form                error    as is    round 2dp    error    error    error              error
//	money         fixed 2dp                    error    inexact  as is        error    error    error              error
//	date          RFC3339                      unix ms  error    error        as is    error    error              error
//	boolean       "true"/"false"               error    error    error        error    as is    error              error
//	list          bracketed form               error    error    error        error    error    element-wise       error
//	map           braced form                  error    error    error        error    error    error              as is
//
// Narrowing (float → int, money → int/float) is never implicit; scripts use
// the int() and float() built-ins for it.
func Coerce(v Value, to Type) (Value, error) {
	if v.t == to {
		return v, nil
	}
	if v.t == Null {
		return Zero(to), nil
	}
	switch to {
	case String, Text, Location, Choice:
		if v.t == Object {
			break
		}
		return Value{t: to, s: v.String()}, nil
	case Int:
		switch v.t {
		case String, Text:
			return constructFromString(Int, v.s)
		case Date:
			return NewInt(v.tm.UnixMilli()), nil
		}
	case Float:
		switch v.t {
		case Int:
			return NewFloat(float64(v.i)), nil
		case Money:
			return NewFloat(v.d.InexactFloat64()), nil
		case String, Text:
			return constructFromString(Float, v.s)
		}
	case Money:
		switch v.t {
		case Int, Float:
			d, err := v.Decimal()
			if err != nil {
				return NullValue, err
			}
			return NewMoney(d), nil
		case String, Text:
			return constructFromString(Money, v.s)
		}
	case Date:
		switch v.t {
		case Int:
			return NewDate(time.UnixMilli(v.i)), nil
		case String, Text:
			return constructFromString(Date, v.s)
		}
	case Boolean:
		switch v.t {
		case String, Text:
			return constructFromString(Boolean, v.s)
		}
	case List:
		switch v.t {
		case MultiChoice:
			items := make([]Value, len(v.l.Items))
			for i, it := range v.l.Items {
				items[i] = NewString(it.s)
			}
			return NewList(items...), nil
		case String, Text, Choice, Location:
			return NewList(v), nil
		}
	case MultiChoice:
		switch v.t {
		case List:
			return NewMultiChoice(v.Strings()...), nil
		case String, Text, Choice:
			return constructFromString(MultiChoice, v.s)
		}
	}
	return NullValue, &TypeError{Want: to, Got: v.t}
}

// Equal is type-specific equality: numeric values compare after
// promotion, string-like values lexically, containers structurally.
func Equal(a, b Value) bool {
	switch {
	case a.t == Null || b.t == Null:
		return a.t == b.t
	case a.t.Numeric() && b.t.Numeric():
		c, err := compareNumeric(a, b)
		return err == nil && c == 0
	case a.t.Textual() && b.t.Textual():
		return a.s == b.s
	case a.t == Boolean && b.t == Boolean:
		return a.b == b.b
	case a.t == Date && b.t == Date:
		return a.tm.Equal(b.tm)
	case (a.t == List || a.t == MultiChoice) && (b.t == List || b.t == MultiChoice):
		if len(a.l.Items) != len(b.l.Items) {
			return false
		}
		for i := range a.l.Items {
			if !Equal(a.l.Items[i], b.l.Items[i]) {
				return false
			}
		}
		return true
	case a.t == Map && b.t == Map:
		if a.m.Len() != b.m.Len() {
			return false
		}
		for _, k := range a.m.keys {
			bv, ok := b.m.entries[k]
			if !ok || !Equal(a.m.entries[k], bv) {
				return false
			}
		}
		return true
	case a.t == Object && b.t == Object:
		return a.obj == b.obj
	}
	return false
}

// Compare orders two values: -1, 0 or +1. Only numeric, string-like and
// date values are ordered.
func Compare(a, b Value) (int, error) {
	switch {
	case a.t.Numeric() && b.t.Numeric():
		return compareNumeric(a, b)
	case a.t.Textual() && b.t.Textual():
		return strings.Compare(a.s, b.s), nil
	case a.t == Date && b.t == Date:
		return a.tm.Compare(b.tm), nil
	case a.t == Boolean && b.t == Boolean:
		switch {
		case a.b == b.b:
			return 0, nil
		case !a.b:
			return -1, nil
		}
		return 1, nil
	}
	return 0, fmt.Errorf("cannot compare %s with %s", a.t, b.t)
}

func compareNumeric(a, b Value) (int, error) {
	switch promote(a.t, b.t) {
	case Int:
		switch {
		case a.i < b.i:
			return -1, nil
		case a.i > b.i:
			return 1, nil
		}
		return 0, nil
	case Float:
		af, _ := a.Float()
		bf, _ := b.Float()
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		}
		return 0, nil
	default:
		ad, aerr := a.Decimal()
		bd, berr := b.Decimal()
		if aerr != nil || berr != nil {
			// An infinite float still orders against any money amount.
			af, _ := a.Float()
			bf, _ := b.Float()
			return cmpFloat(af, bf), nil
		}
		return ad.Cmp(bd), nil
	}
}

// promote returns the wider of two numeric types.
func promote(a, b Type) Type {
	rank := func(t Type) int {
		switch t {
		case Int:
			return 1
		case Float:
			return 2
		case Money:
			return 3
		}
		return 0
	}
	if rank(a) >= rank(b) {
		return a
	}
	return b
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
