package value

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// wire is the persisted form of a Value. Unlike Native it keeps the type
// tag, so int/float/money and list element types survive a restart.
type wire struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

type wireEntry struct {
	K string `json:"k"`
	V Value  `json:"v"`
}

// MarshalJSON encodes the value with its type tag. Host objects encode as
// null.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.t {
	case Null, Object:
		return []byte(`{"t":"null"}`), nil
	case String, Text, Location, Choice:
		payload = v.s
	case Int:
		payload = v.i
	case Float:
		payload = v.f
	case Money:
		payload = v.d.String()
	case Boolean:
		payload = v.b
	case Date:
		payload = v.tm.Format(time.RFC3339Nano)
	case List, MultiChoice:
		payload = v.l.Items
	case Map:
		entries := make([]wireEntry, 0, v.m.Len())
		for _, k := range v.m.keys {
			entries = append(entries, wireEntry{K: k, V: v.m.entries[k]})
		}
		payload = entries
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire{T: v.t.String(), V: raw})
}

// UnmarshalJSON decodes the tagged form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.T == "null" || w.T == "" {
		*v = NullValue
		return nil
	}
	t, err := ParseType(w.T)
	if err != nil {
		return err
	}
	switch t {
	case String, Text, Location, Choice:
		var s string
		if err := json.Unmarshal(w.V, &s); err != nil {
			return err
		}
		*v = Value{t: t, s: s}
	case Int:
		var i int64
		if err := json.Unmarshal(w.V, &i); err != nil {
			return err
		}
		*v = NewInt(i)
	case Float:
		var f float64
		if err := json.Unmarshal(w.V, &f); err != nil {
			return err
		}
		*v = NewFloat(f)
	case Money:
		var s string
		if err := json.Unmarshal(w.V, &s); err != nil {
			return err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return err
		}
		*v = NewMoney(d)
	case Boolean:
		var b bool
		if err := json.Unmarshal(w.V, &b); err != nil {
			return err
		}
		*v = NewBool(b)
	case Date:
		var s string
		if err := json.Unmarshal(w.V, &s); err != nil {
			return err
		}
		tm, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		if tm.Year() <= 1 {
			tm = time.Time{}
		}
		*v = Value{t: Date, tm: tm.UTC()}
	case List, MultiChoice:
		var items []Value
		if err := json.Unmarshal(w.V, &items); err != nil {
			return err
		}
		if items == nil {
			items = []Value{}
		}
		*v = Value{t: t, l: &ListData{Items: items}}
	case Map:
		var entries []wireEntry
		if err := json.Unmarshal(w.V, &entries); err != nil {
			return err
		}
		m := NewMapData()
		for _, e := range entries {
			m.Set(e.K, e.V)
		}
		*v = NewMap(m)
	default:
		return fmt.Errorf("value: cannot decode type %q", w.T)
	}
	return nil
}
