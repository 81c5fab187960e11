package script

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentserver/agentserver/internal/value"
)

type builtinFunc func(env *Env, args []value.Value) (value.Value, error)

type builtin struct {
	min, max int // max < 0 means variadic
	fn       builtinFunc
}

var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"min":    {1, -1, extremum(-1)},
		"max":    {1, -1, extremum(1)},
		"abs":    {1, 1, biAbs},
		"round":  {1, 2, biRound},
		"floor":  {1, 1, floatFn(math.Floor)},
		"ceil":   {1, 1, floatFn(math.Ceil)},
		"sqrt":   {1, 1, biSqrt},
		"pow":    {2, 2, biPow},
		"len":    {1, 1, biLen},
		"length": {1, 1, biLen},
		"now": {0, 0, func(env *Env, _ []value.Value) (value.Value, error) {
			return value.NewDate(env.now()), nil
		}},
		"seconds": {1, 1, duration(time.Second)},
		"minutes": {1, 1, duration(time.Minute)},
		"hours":   {1, 1, duration(time.Hour)},
		"days":    {1, 1, duration(24 * time.Hour)},
		"string": {1, 1, func(_ *Env, a []value.Value) (value.Value, error) {
			if a[0].IsNull() {
				return value.NewString(""), nil
			}
			return value.NewString(a[0].String()), nil
		}},
		"int":      {1, 1, biInt},
		"float":    {1, 1, biFloat},
		"money":    {1, 1, coerceTo(value.Money)},
		"date":     {1, 1, coerceTo(value.Date)},
		"contains": {2, 2, biContains},
		"keys":     {1, 1, biKeys},
		"values":   {1, 1, biValues},
		"append":   {2, -1, biAppend},
		"remove":   {2, 2, biRemove},
		"copy": {1, 1, func(_ *Env, a []value.Value) (value.Value, error) {
			return value.Copy(a[0]), nil
		}},
		"upper":     {1, 1, stringFn(strings.ToUpper)},
		"lower":     {1, 1, stringFn(strings.ToLower)},
		"trim":      {1, 1, stringFn(strings.TrimSpace)},
		"substring": {2, 3, biSubstring},
		"split":     {2, 2, biSplit},
		"join":      {2, 2, biJoin},
		"random":    {0, 2, biRandom},
		"notify":    {1, 1, biNotify},
		"web_access_allowed": {1, 1, func(env *Env, a []value.Value) (value.Value, error) {
			return value.NewBool(env.Host == nil || env.Host.AccessAllowed("web", a[0].String())), nil
		}},
		"mail_access_allowed": {1, 1, func(env *Env, a []value.Value) (value.Value, error) {
			return value.NewBool(env.Host == nil || env.Host.AccessAllowed("mail", a[0].String())), nil
		}},
	}
}

// IsBuiltin reports whether name is a built-in function.
func IsBuiltin(name string) bool {
	_, ok := builtins[name]
	return ok
}

func extremum(sign int) builtinFunc {
	return func(_ *Env, args []value.Value) (value.Value, error) {
		if len(args) == 1 && args[0].ListData() != nil {
			args = args[0].ListData().Items
		}
		if len(args) == 0 {
			return value.NullValue, nil
		}
		best := args[0]
		for _, v := range args[1:] {
			c, err := value.Compare(v, best)
			if err != nil {
				return value.NullValue, err
			}
			if c*sign > 0 {
				best = v
			}
		}
		return best, nil
	}
}

func biAbs(_ *Env, a []value.Value) (value.Value, error) {
	v := a[0]
	switch v.Type() {
	case value.Int:
		i, _ := v.Int()
		if i < 0 {
			i = -i
		}
		return value.NewInt(i), nil
	case value.Float:
		f, _ := v.Float()
		return value.NewFloat(math.Abs(f)), nil
	case value.Money:
		d, _ := v.Decimal()
		return value.NewMoney(d.Abs()), nil
	}
	return value.NullValue, fmt.Errorf("not a number: %s", v.Type())
}

// round(x) rounds to the nearest int; round(x, places) keeps the operand
// type and rounds to the given decimal places.
func biRound(_ *Env, a []value.Value) (value.Value, error) {
	v := a[0]
	places := int64(0)
	if len(a) == 2 {
		p, err := a[1].Int()
		if err != nil {
			return value.NullValue, err
		}
		places = p
	}
	switch v.Type() {
	case value.Int:
		return v, nil
	case value.Money:
		d, _ := v.Decimal()
		return value.NewMoney(d.Round(int32(places))), nil
	case value.Float:
		f, _ := v.Float()
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return value.NullValue, fmt.Errorf("cannot round %s", v)
		}
		if len(a) == 1 {
			return value.NewInt(int64(math.Round(f))), nil
		}
		d := decimal.NewFromFloat(f).Round(int32(places))
		return value.NewFloat(d.InexactFloat64()), nil
	}
	return value.NullValue, fmt.Errorf("not a number: %s", v.Type())
}

func floatFn(f func(float64) float64) builtinFunc {
	return func(_ *Env, a []value.Value) (value.Value, error) {
		if a[0].Type() == value.Int {
			return a[0], nil
		}
		x, err := a[0].Float()
		if err != nil {
			return value.NullValue, err
		}
		return value.NewInt(int64(f(x))), nil
	}
}

func biSqrt(_ *Env, a []value.Value) (value.Value, error) {
	x, err := a[0].Float()
	if err != nil {
		return value.NullValue, err
	}
	if x < 0 {
		return value.NullValue, errors.New("square root of negative number")
	}
	return value.NewFloat(math.Sqrt(x)), nil
}

func biPow(_ *Env, a []value.Value) (value.Value, error) {
	x, err := a[0].Float()
	if err != nil {
		return value.NullValue, err
	}
	y, err := a[1].Float()
	if err != nil {
		return value.NullValue, err
	}
	r := math.Pow(x, y)
	if a[0].Type() == value.Int && a[1].Type() == value.Int && y >= 0 && math.Abs(r) < 1<<62 {
		return value.NewInt(int64(r)), nil
	}
	return value.NewFloat(r), nil
}

func biLen(_ *Env, a []value.Value) (value.Value, error) {
	v := a[0]
	switch {
	case v.ListData() != nil:
		return value.NewInt(int64(len(v.ListData().Items))), nil
	case v.MapData() != nil:
		return value.NewInt(int64(v.MapData().Len())), nil
	case v.Type().Textual():
		return value.NewInt(int64(len([]rune(v.String())))), nil
	case v.IsNull():
		return value.NewInt(0), nil
	}
	return value.NullValue, fmt.Errorf("no length for %s", v.Type())
}

func duration(unit time.Duration) builtinFunc {
	return func(_ *Env, a []value.Value) (value.Value, error) {
		f, err := a[0].Float()
		if err != nil {
			return value.NullValue, err
		}
		return value.NewInt(int64(f * float64(unit/time.Millisecond))), nil
	}
}

func biInt(_ *Env, a []value.Value) (value.Value, error) {
	v := a[0]
	switch v.Type() {
	case value.Boolean:
		b, _ := v.Bool()
		if b {
			return value.NewInt(1), nil
		}
		return value.NewInt(0), nil
	case value.Null:
		return value.NewInt(0), nil
	}
	i, err := v.Int()
	if err != nil {
		return value.NullValue, err
	}
	return value.NewInt(i), nil
}

func biFloat(_ *Env, a []value.Value) (value.Value, error) {
	if a[0].IsNull() {
		return value.NewFloat(0), nil
	}
	f, err := a[0].Float()
	if err != nil {
		return value.NullValue, err
	}
	return value.NewFloat(f), nil
}

func coerceTo(t value.Type) builtinFunc {
	return func(_ *Env, a []value.Value) (value.Value, error) {
		return value.Coerce(a[0], t)
	}
}

func biContains(_ *Env, a []value.Value) (value.Value, error) {
	c, x := a[0], a[1]
	switch {
	case c.ListData() != nil:
		for _, it := range c.ListData().Items {
			if value.Equal(it, x) {
				return value.NewBool(true), nil
			}
		}
		return value.NewBool(false), nil
	case c.MapData() != nil:
		_, ok := c.MapData().Get(x.String())
		return value.NewBool(ok), nil
	case c.Type().Textual():
		return value.NewBool(strings.Contains(c.String(), x.String())), nil
	case c.IsNull():
		return value.NewBool(false), nil
	}
	return value.NullValue, fmt.Errorf("cannot search %s", c.Type())
}

func biKeys(_ *Env, a []value.Value) (value.Value, error) {
	m := a[0].MapData()
	if m == nil {
		return value.NullValue, fmt.Errorf("not a map: %s", a[0].Type())
	}
	keys := m.Keys()
	items := make([]value.Value, len(keys))
	for i, k := range keys {
		items[i] = value.NewString(k)
	}
	return value.NewList(items...), nil
}

func biValues(_ *Env, a []value.Value) (value.Value, error) {
	m := a[0].MapData()
	if m == nil {
		return value.NullValue, fmt.Errorf("not a map: %s", a[0].Type())
	}
	items := make([]value.Value, 0, m.Len())
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		items = append(items, v)
	}
	return value.NewList(items...), nil
}

// append mutates the list in place and returns it.
func biAppend(_ *Env, a []value.Value) (value.Value, error) {
	l := a[0].ListData()
	if l == nil {
		return value.NullValue, fmt.Errorf("not a list: %s", a[0].Type())
	}
	l.Items = append(l.Items, a[1:]...)
	return a[0], nil
}

// remove deletes a list element by index or a map entry by key and returns
// the removed value.
func biRemove(_ *Env, a []value.Value) (value.Value, error) {
	c := a[0]
	switch {
	case c.ListData() != nil:
		l := c.ListData()
		i, err := a[1].Int()
		if err != nil || a[1].Type() != value.Int {
			return value.NullValue, fmt.Errorf("list index must be int, got %s", a[1].Type())
		}
		if i < 0 || i >= int64(len(l.Items)) {
			return value.NullValue, fmt.Errorf("index %d out of range [0,%d)", i, len(l.Items))
		}
		old := l.Items[i]
		l.Items = append(l.Items[:i], l.Items[i+1:]...)
		return old, nil
	case c.MapData() != nil:
		k := a[1].String()
		old, _ := c.MapData().Get(k)
		c.MapData().Delete(k)
		return old, nil
	}
	return value.NullValue, fmt.Errorf("cannot remove from %s", c.Type())
}

func stringFn(f func(string) string) builtinFunc {
	return func(_ *Env, a []value.Value) (value.Value, error) {
		return value.NewString(f(a[0].String())), nil
	}
}

func biSubstring(_ *Env, a []value.Value) (value.Value, error) {
	rs := []rune(a[0].String())
	start, err := a[1].Int()
	if err != nil {
		return value.NullValue, err
	}
	end := int64(len(rs))
	if len(a) == 3 {
		if end, err = a[2].Int(); err != nil {
			return value.NullValue, err
		}
	}
	if start < 0 || end > int64(len(rs)) || start > end {
		return value.NullValue, fmt.Errorf("range [%d:%d] out of bounds for length %d", start, end, len(rs))
	}
	return value.NewString(string(rs[start:end])), nil
}

func biSplit(_ *Env, a []value.Value) (value.Value, error) {
	parts := strings.Split(a[0].String(), a[1].String())
	items := make([]value.Value, len(parts))
	for i, p := range parts {
		items[i] = value.NewString(p)
	}
	return value.NewList(items...), nil
}

func biJoin(_ *Env, a []value.Value) (value.Value, error) {
	if a[0].ListData() == nil {
		return value.NullValue, fmt.Errorf("not a list: %s", a[0].Type())
	}
	return value.NewString(strings.Join(a[0].Strings(), a[1].String())), nil
}

// random() yields a float in [0,1), random(n) an int in [0,n) and
// random(lo, hi) an int in [lo,hi].
func biRandom(_ *Env, a []value.Value) (value.Value, error) {
	switch len(a) {
	case 0:
		return value.NewFloat(rand.Float64()), nil
	case 1:
		n, err := a[0].Int()
		if err != nil {
			return value.NullValue, err
		}
		if n <= 0 {
			return value.NullValue, fmt.Errorf("bound must be positive, got %d", n)
		}
		return value.NewInt(rand.Int63n(n)), nil
	}
	lo, err := a[0].Int()
	if err != nil {
		return value.NullValue, err
	}
	hi, err := a[1].Int()
	if err != nil {
		return value.NullValue, err
	}
	if hi < lo {
		return value.NullValue, fmt.Errorf("empty range [%d,%d]", lo, hi)
	}
	span := uint64(hi) - uint64(lo)
	if span >= math.MaxInt64 {
		return value.NullValue, fmt.Errorf("range [%d,%d] is too wide", lo, hi)
	}
	return value.NewInt(lo + rand.Int63n(int64(span)+1)), nil
}

func biNotify(env *Env, a []value.Value) (value.Value, error) {
	if env.Host == nil {
		return value.NullValue, errors.New("notifications are not available here")
	}
	if err := env.Host.Notify(a[0].String()); err != nil {
		return value.NullValue, err
	}
	return value.NullValue, nil
}
