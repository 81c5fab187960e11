// Package value implements the tagged runtime values shared by the script
// interpreter, agent definitions and instance state.
//
// Every binding holds one of the declared field types below. Conversions
// between them follow the coercion table documented on Coerce; arithmetic
// follows the promotion order int → float → money documented on Add.
package value

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Type tags a Value.
type Type int

const (
	Null Type = iota
	String
	Int
	Float
	Money
	Date
	Location
	Text
	Boolean
	Choice
	MultiChoice
	List
	Map
	// Object is a host-provided pseudo-object (outputs, notifications, ...).
	// It can be read and written field by field but never declared.
	Object
	// Void is only valid as a function return type.
	Void
)

var typeNames = map[Type]string{
	Null:        "null",
	String:      "string",
	Int:         "int",
	Float:       "float",
	Money:       "money",
	Date:        "date",
	Location:    "location",
	Text:        "text",
	Boolean:     "boolean",
	Choice:      "choice",
	MultiChoice: "multi_choice",
	List:        "list",
	Map:         "map",
	Object:      "object",
	Void:        "void",
}

var typeAliases = map[string]Type{
	"integer": Int,
	"bool":    Boolean,
	"double":  Float,
	"number":  Float,
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "unknown"
}

// ParseType resolves a declared type name. Object and null are not
// declarable.
func ParseType(name string) (Type, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if t, ok := typeAliases[n]; ok {
		return t, nil
	}
	for t, tn := range typeNames {
		if tn == n && t != Object && t != Null {
			return t, nil
		}
	}
	return Null, fmt.Errorf("unknown type %q", name)
}

// IsTypeName reports whether name is a declarable type keyword.
func IsTypeName(name string) bool {
	t, err := ParseType(name)
	return err == nil && t != Void
}

// Numeric reports whether t takes part in numeric promotion.
func (t Type) Numeric() bool { return t == Int || t == Float || t == Money }

// Textual reports whether values of t compare lexically.
func (t Type) Textual() bool {
	return t == String || t == Text || t == Choice || t == Location
}

// ObjectRef is implemented by host pseudo-objects reachable from scripts.
type ObjectRef interface {
	Field(name string) (Value, error)
	SetField(name string, v Value) error
}

// ListData is the shared backing store of a list value. Copying a Value
// copies the pointer, so two names bound to one list alias it.
type ListData struct {
	Items []Value
}

// MapData is an insertion-ordered string-keyed map, shared like ListData.
type MapData struct {
	keys    []string
	entries map[string]Value
}

// NewMapData returns an empty ordered map.
func NewMapData() *MapData {
	return &MapData{entries: make(map[string]Value)}
}

func (m *MapData) Get(k string) (Value, bool) {
	v, ok := m.entries[k]
	return v, ok
}

func (m *MapData) Set(k string, v Value) {
	if _, ok := m.entries[k]; !ok {
		m.keys = append(m.keys, k)
	}
	m.entries[k] = v
}

func (m *MapData) Delete(k string) bool {
	if _, ok := m.entries[k]; !ok {
		return false
	}
	delete(m.entries, k)
	for i, key := range m.keys {
		if key == k {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
	return true
}

// Keys returns the keys in insertion order.
func (m *MapData) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

func (m *MapData) Len() int { return len(m.keys) }

// Value is a tagged runtime value. The zero Value is null.
type Value struct {
	t   Type
	s   string
	i   int64
	f   float64
	b   bool
	d   decimal.Decimal
	tm  time.Time
	l   *ListData
	m   *MapData
	obj ObjectRef
}

var NullValue = Value{}

func NewString(s string) Value      { return Value{t: String, s: s} }
func NewText(s string) Value        { return Value{t: Text, s: s} }
func NewLocation(s string) Value    { return Value{t: Location, s: s} }
func NewChoice(s string) Value      { return Value{t: Choice, s: s} }
func NewInt(i int64) Value          { return Value{t: Int, i: i} }
func NewFloat(f float64) Value      { return Value{t: Float, f: f} }
func NewBool(b bool) Value          { return Value{t: Boolean, b: b} }
func NewDate(tm time.Time) Value    { return Value{t: Date, tm: tm.UTC()} }
func NewObject(o ObjectRef) Value   { return Value{t: Object, obj: o} }
func NewMoney(d decimal.Decimal) Value { return Value{t: Money, d: d} }

// NewList wraps items in a fresh list container.
func NewList(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{t: List, l: &ListData{Items: items}}
}

// NewMultiChoice builds a multi_choice value from the selected choices.
func NewMultiChoice(choices ...string) Value {
	items := make([]Value, 0, len(choices))
	for _, c := range choices {
		items = append(items, NewChoice(c))
	}
	return Value{t: MultiChoice, l: &ListData{Items: items}}
}

// NewMap wraps an ordered map container.
func NewMap(m *MapData) Value {
	if m == nil {
		m = NewMapData()
	}
	return Value{t: Map, m: m}
}

func (v Value) Type() Type       { return v.t }
func (v Value) IsNull() bool     { return v.t == Null }
func (v Value) Object() ObjectRef { return v.obj }

// ListData returns the backing list of a list or multi_choice value.
func (v Value) ListData() *ListData {
	if v.t == List || v.t == MultiChoice {
		return v.l
	}
	return nil
}

// MapData returns the backing map of a map value.
func (v Value) MapData() *MapData {
	if v.t == Map {
		return v.m
	}
	return nil
}

// Zero returns the default value of a declared type.
func Zero(t Type) Value {
	switch t {
	case String, Text, Location, Choice:
		return Value{t: t}
	case Int:
		return NewInt(0)
	case Float:
		return NewFloat(0)
	case Money:
		return NewMoney(decimal.Zero)
	case Boolean:
		return NewBool(false)
	case Date:
		return Value{t: Date}
	case MultiChoice:
		return NewMultiChoice()
	case List:
		return NewList()
	case Map:
		return NewMap(nil)
	default:
		return NullValue
	}
}

// String formats the value for display and string concatenation.
func (v Value) String() string {
	switch v.t {
	case Null:
		return "null"
	case String, Text, Location, Choice:
		return v.s
	case Int:
		return strconv.FormatInt(v.i, 10)
	case Float:
		return formatFloat(v.f)
	case Money:
		return v.d.StringFixed(2)
	case Boolean:
		return strconv.FormatBool(v.b)
	case Date:
		if v.tm.IsZero() {
			return ""
		}
		return v.tm.Format(time.RFC3339Nano)
	case List, MultiChoice:
		parts := make([]string, len(v.l.Items))
		for i, it := range v.l.Items {
			parts[i] = it.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case Map:
		parts := make([]string, 0, v.m.Len())
		for _, k := range v.m.keys {
			parts = append(parts, k+": "+v.m.entries[k].String())
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case Object:
		return "<object>"
	}
	return ""
}

func formatFloat(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Truthy is the boolean interpretation used by conditions.
func (v Value) Truthy() bool {
	switch v.t {
	case Boolean:
		return v.b
	case Int:
		return v.i != 0
	case Float:
		return v.f != 0
	case Money:
		return !v.d.IsZero()
	case String, Text, Location, Choice:
		return v.s != ""
	case Date:
		return !v.tm.IsZero()
	case List, MultiChoice:
		return len(v.l.Items) > 0
	case Map:
		return v.m.Len() > 0
	case Object:
		return v.obj != nil
	}
	return false
}

// Int returns the integer content of an int value, truncating float and
// money. Other types fail.
func (v Value) Int() (int64, error) {
	switch v.t {
	case Int:
		return v.i, nil
	case Float:
		return int64(v.f), nil
	case Money:
		return v.d.IntPart(), nil
	case Date:
		return v.tm.UnixMilli(), nil
	case String, Text:
		i, err := strconv.ParseInt(strings.TrimSpace(v.s), 10, 64)
		if err != nil {
			return 0, &TypeError{Want: Int, Got: v.t, Raw: v.s}
		}
		return i, nil
	}
	return 0, &TypeError{Want: Int, Got: v.t}
}

// Float returns the numeric content as float64.
func (v Value) Float() (float64, error) {
	switch v.t {
	case Int:
		return float64(v.i), nil
	case Float:
		return v.f, nil
	case Money:
		return v.d.InexactFloat64(), nil
	case String, Text:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		if err != nil {
			return 0, &TypeError{Want: Float, Got: v.t, Raw: v.s}
		}
		return f, nil
	}
	return 0, &TypeError{Want: Float, Got: v.t}
}

// Decimal returns the money content. Floats are rounded to cents;
// infinities and NaN have no money form.
func (v Value) Decimal() (decimal.Decimal, error) {
	switch v.t {
	case Money:
		return v.d, nil
	case Int:
		return decimal.NewFromInt(v.i), nil
	case Float:
		if math.IsInf(v.f, 0) || math.IsNaN(v.f) {
			return decimal.Zero, &TypeError{Want: Money, Got: Float, Raw: strconv.FormatFloat(v.f, 'g', -1, 64), Reason: "not a finite number"}
		}
		return RoundMoney(decimal.NewFromFloat(v.f)), nil
	}
	return decimal.Zero, &TypeError{Want: Money, Got: v.t}
}

// Time returns the instant of a date value.
func (v Value) Time() (time.Time, error) {
	if v.t != Date {
		return time.Time{}, &TypeError{Want: Date, Got: v.t}
	}
	return v.tm, nil
}

// Bool returns a boolean value's content.
func (v Value) Bool() (bool, error) {
	if v.t != Boolean {
		return false, &TypeError{Want: Boolean, Got: v.t}
	}
	return v.b, nil
}

// Strings returns the selected choices of a multi_choice or the string
// form of every list element.
func (v Value) Strings() []string {
	if v.l == nil {
		return nil
	}
	out := make([]string, len(v.l.Items))
	for i, it := range v.l.Items {
		out[i] = it.String()
	}
	return out
}

// RoundMoney applies the explicit float → money rounding: two decimal
// places, half away from zero.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Native converts the value to plain Go data suitable for JSON views.
// Money is rendered as a fixed two-place number.
func (v Value) Native() any {
	switch v.t {
	case Null, Object:
		return nil
	case String, Text, Location, Choice:
		return v.s
	case Int:
		return v.i
	case Float:
		return v.f
	case Money:
		return json.Number(v.d.StringFixed(2))
	case Boolean:
		return v.b
	case Date:
		return v.String()
	case List, MultiChoice:
		out := make([]any, len(v.l.Items))
		for i, it := range v.l.Items {
			out[i] = it.Native()
		}
		return out
	case Map:
		out := make(map[string]any, v.m.Len())
		for _, k := range v.m.keys {
			out[k] = v.m.entries[k].Native()
		}
		return out
	}
	return nil
}

// FromNative infers a value from decoded JSON/YAML data. Integral numbers
// become int, other numbers float.
func FromNative(raw any) Value {
	switch r := raw.(type) {
	case nil:
		return NullValue
	case Value:
		return r
	case string:
		return NewString(r)
	case bool:
		return NewBool(r)
	case int:
		return NewInt(int64(r))
	case int64:
		return NewInt(r)
	case float64:
		if r == math.Trunc(r) && math.Abs(r) < 1<<53 {
			return NewInt(int64(r))
		}
		return NewFloat(r)
	case json.Number:
		if i, err := r.Int64(); err == nil {
			return NewInt(i)
		}
		f, _ := r.Float64()
		return NewFloat(f)
	case time.Time:
		return NewDate(r)
	case []any:
		items := make([]Value, len(r))
		for i, it := range r {
			items[i] = FromNative(it)
		}
		return NewList(items...)
	case map[string]any:
		m := NewMapData()
		keys := make([]string, 0, len(r))
		for k := range r {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			m.Set(k, FromNative(r[k]))
		}
		return NewMap(m)
	}
	return NewString(fmt.Sprint(raw))
}

// Copy returns a deep copy of list and map containers; scalars are
// returned as is.
func Copy(v Value) Value {
	switch v.t {
	case List, MultiChoice:
		items := make([]Value, len(v.l.Items))
		for i, it := range v.l.Items {
			items[i] = Copy(it)
		}
		return Value{t: v.t, l: &ListData{Items: items}}
	case Map:
		m := NewMapData()
		for _, k := range v.m.keys {
			m.Set(k, Copy(v.m.entries[k]))
		}
		return NewMap(m)
	}
	return v
}

// TypeError reports a value that cannot be read as the wanted type.
type TypeError struct {
	Want   Type
	Got    Type
	Raw    string
	Reason string
}

func (e *TypeError) Error() string {
	switch {
	case e.Raw != "" && e.Reason != "":
		return fmt.Sprintf("type error: cannot convert %q to %s: %s", e.Raw, e.Want, e.Reason)
	case e.Raw != "":
		return fmt.Sprintf("type error: cannot convert %q to %s", e.Raw, e.Want)
	case e.Reason != "":
		return fmt.Sprintf("type error: cannot convert %s to %s: %s", e.Got, e.Want, e.Reason)
	}
	return fmt.Sprintf("type error: cannot convert %s to %s", e.Got, e.Want)
}
