package value

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstruct(t *testing.T) {
	v, err := Construct(Int, "123")
	require.NoError(t, err)
	assert.Equal(t, Int, v.Type())
	i, _ := v.Int()
	assert.Equal(t, int64(123), i)

	v, err = Construct(Int, float64(123))
	require.NoError(t, err)
	assert.Equal(t, Int, v.Type())

	v, err = Construct(Money, "$12.5")
	require.NoError(t, err)
	assert.Equal(t, "12.50", v.String())

	v, err = Construct(Date, "2024-03-01")
	require.NoError(t, err)
	tm, _ := v.Time()
	assert.Equal(t, 2024, tm.Year())

	v, err = Construct(MultiChoice, "red, green")
	require.NoError(t, err)
	assert.Equal(t, []string{"red", "green"}, v.Strings())

	v, err = Construct(String, nil)
	require.NoError(t, err)
	assert.Equal(t, "", v.String())
}

func TestConstruct_Unparsable(t *testing.T) {
	for _, tc := range []struct {
		typ Type
		raw any
	}{
		{Int, "abc"},
		{Float, "1.2.3"},
		{Money, "ten dollars"},
		{Boolean, "maybe"},
		{Date, "yesterday"},
		{Int, true},
	} {
		_, err := Construct(tc.typ, tc.raw)
		var te *TypeError
		assert.True(t, errors.As(err, &te), "Construct(%s, %v) error = %v", tc.typ, tc.raw, err)
	}
}

func TestCoerce_Promotion(t *testing.T) {
	f, err := Coerce(NewInt(3), Float)
	require.NoError(t, err)
	assert.Equal(t, Float, f.Type())

	m, err := Coerce(NewFloat(2.345), Money)
	require.NoError(t, err)
	assert.Equal(t, "2.35", m.String(), "float to money rounds to cents")

	_, err = Coerce(NewFloat(2.5), Int)
	assert.Error(t, err, "narrowing is never implicit")

	_, err = Coerce(NewMoney(decimal.NewFromInt(2)), Int)
	assert.Error(t, err)

	s, err := Coerce(NewInt(7), String)
	require.NoError(t, err)
	assert.Equal(t, "7", s.String())

	z, err := Coerce(NullValue, Int)
	require.NoError(t, err)
	assert.True(t, Equal(z, NewInt(0)))
}

func TestNonFiniteFloatsAreNotMoney(t *testing.T) {
	inf, nan := NewFloat(math.Inf(1)), NewFloat(math.NaN())

	_, err := Coerce(inf, Money)
	var te *TypeError
	require.True(t, errors.As(err, &te), "%v", err)
	assert.Equal(t, "not a finite number", te.Reason)

	_, err = nan.Decimal()
	assert.Error(t, err)

	_, err = Add(inf, NewMoney(decimal.NewFromInt(1)))
	assert.Error(t, err)
	_, err = Mul(NewMoney(decimal.NewFromInt(2)), nan)
	assert.Error(t, err)

	c, err := Compare(inf, NewMoney(decimal.NewFromInt(1)))
	require.NoError(t, err)
	assert.Equal(t, 1, c)
	assert.False(t, Equal(inf, NewMoney(decimal.NewFromInt(1))))
}

func TestArithmetic(t *testing.T) {
	v, err := Add(NewInt(2), NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, Int, v.Type())

	v, err = Add(NewInt(2), NewFloat(0.5))
	require.NoError(t, err)
	assert.Equal(t, Float, v.Type())

	v, err = Mul(NewMoney(decimal.RequireFromString("10.00")), NewFloat(0.333))
	require.NoError(t, err)
	assert.Equal(t, Money, v.Type())
	assert.Equal(t, "3.30", v.String())

	v, err = Add(NewString("n="), NewInt(4))
	require.NoError(t, err)
	assert.Equal(t, "n=4", v.String())

	v, err = Add(NewInt(4), NewString("x"))
	require.NoError(t, err)
	assert.Equal(t, "4x", v.String())

	v, err = Div(NewInt(7), NewInt(2))
	require.NoError(t, err)
	assert.True(t, Equal(v, NewInt(3)))

	_, err = Div(NewInt(1), NewInt(0))
	assert.ErrorIs(t, err, ErrDivideByZero)
	_, err = Div(NewFloat(1), NewFloat(0))
	assert.ErrorIs(t, err, ErrDivideByZero)
	_, err = Mod(NewMoney(decimal.NewFromInt(1)), NewInt(0))
	assert.ErrorIs(t, err, ErrDivideByZero)

	_, err = Sub(NewBool(true), NewInt(1))
	assert.Error(t, err)
}

func TestDateArithmetic(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	later, err := Add(NewDate(base), NewInt(60_000))
	require.NoError(t, err)
	diff, err := Sub(later, NewDate(base))
	require.NoError(t, err)
	assert.True(t, Equal(diff, NewInt(60_000)))
}

func TestEqualAndCompare(t *testing.T) {
	assert.True(t, Equal(NewInt(1), NewFloat(1.0)))
	assert.True(t, Equal(NewString("a"), NewChoice("a")))
	assert.False(t, Equal(NewString("1"), NewInt(1)))
	assert.True(t, Equal(NewList(NewInt(1), NewString("x")), NewList(NewInt(1), NewString("x"))))
	assert.False(t, Equal(NewList(NewInt(1)), NewList(NewInt(2))))

	m1 := NewMapData()
	m1.Set("a", NewInt(1))
	m2 := NewMapData()
	m2.Set("a", NewInt(1))
	assert.True(t, Equal(NewMap(m1), NewMap(m2)))

	c, err := Compare(NewString("abc"), NewString("abd"))
	require.NoError(t, err)
	assert.Equal(t, -1, c)

	_, err = Compare(NewList(), NewInt(1))
	assert.Error(t, err)
}

func TestListAliasingAndCopy(t *testing.T) {
	a := NewList(NewInt(1))
	b := a
	b.ListData().Items = append(b.ListData().Items, NewInt(2))
	assert.Len(t, a.ListData().Items, 2, "assignment aliases the container")

	c := Copy(a)
	c.ListData().Items = append(c.ListData().Items, NewInt(3))
	assert.Len(t, a.ListData().Items, 2, "copy detaches the container")
}

func TestJSONRoundTrip_PreservesTypes(t *testing.T) {
	m := NewMapData()
	m.Set("z", NewMoney(decimal.RequireFromString("1.10")))
	m.Set("a", NewList(NewInt(1), NewFloat(1.5), NewString("s")))
	orig := NewMap(m)

	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var got Value
	require.NoError(t, json.Unmarshal(data, &got))
	assert.True(t, Equal(orig, got))
	assert.Equal(t, []string{"z", "a"}, got.MapData().Keys())
	items := got.MapData().entries["a"].ListData().Items
	assert.Equal(t, Int, items[0].Type())
	assert.Equal(t, Float, items[1].Type())
}

func TestParseType(t *testing.T) {
	for _, name := range []string{"string", "int", "float", "money", "date", "location", "text", "boolean", "choice", "multi_choice", "list", "map"} {
		_, err := ParseType(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseType("object")
	assert.Error(t, err)
	_, err = ParseType("widget")
	assert.Error(t, err)
}
