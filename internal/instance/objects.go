package instance

import (
	"fmt"
	"time"

	"github.com/agentserver/agentserver/internal/notify"
	"github.com/agentserver/agentserver/internal/registry"
	"github.com/agentserver/agentserver/internal/value"
)

// ── Field scopes ─────────────────────────────────────────────

// fieldSet exposes one declared field group (outputs, memory, ...) both as
// bare names and as a pseudo-object. Writes coerce to the declared type.
type fieldSet struct {
	kind     string
	fields   registry.Fields
	vals     map[string]value.Value
	readOnly bool
}

func (s *fieldSet) Lookup(name string) (value.Value, bool) {
	if _, ok := s.fields.Lookup(name); !ok {
		return value.NullValue, false
	}
	return s.vals[name], true
}

func (s *fieldSet) Assign(name string, v value.Value) (bool, error) {
	f, ok := s.fields.Lookup(name)
	if !ok {
		return false, nil
	}
	if s.readOnly {
		return true, fmt.Errorf("%s %s is read-only", s.kind, name)
	}
	cv, err := f.Coerce(v)
	if err != nil {
		return true, err
	}
	s.vals[name] = cv
	return true, nil
}

func (s *fieldSet) Field(name string) (value.Value, error) {
	if v, ok := s.Lookup(name); ok {
		return v, nil
	}
	return value.NullValue, fmt.Errorf("no %s field %q", s.kind, name)
}

func (s *fieldSet) SetField(name string, v value.Value) error {
	ok, err := s.Assign(name, v)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no %s field %q", s.kind, name)
	}
	return nil
}

// inputSet exposes bound input values (one map per input, the source's
// outputs) read-only.
type inputSet struct {
	vals map[string]value.Value
}

func (s *inputSet) Lookup(name string) (value.Value, bool) {
	v, ok := s.vals[name]
	return v, ok
}

func (s *inputSet) Assign(name string, _ value.Value) (bool, error) {
	if _, ok := s.vals[name]; !ok {
		return false, nil
	}
	return true, fmt.Errorf("input %s is read-only", name)
}

func (s *inputSet) Field(name string) (value.Value, error) {
	if v, ok := s.vals[name]; ok {
		return v, nil
	}
	return value.NullValue, fmt.Errorf("no input %q", name)
}

func (s *inputSet) SetField(name string, _ value.Value) error {
	return fmt.Errorf("input %s is read-only", name)
}

// ── Notifications ────────────────────────────────────────────

type notificationSet struct {
	book  *notify.Book
	decls []*registry.Notification
}

func (s *notificationSet) Field(name string) (value.Value, error) {
	for _, d := range s.decls {
		if d.Spec.Name == name {
			return value.NewObject(&notificationObject{book: s.book, decl: d}), nil
		}
	}
	return value.NullValue, fmt.Errorf("no notification %q", name)
}

func (s *notificationSet) SetField(name string, _ value.Value) error {
	return fmt.Errorf("notification %s cannot be replaced", name)
}

// notificationObject is the script view of one notification. Only detail
// fields are writable.
type notificationObject struct {
	book *notify.Book
	decl *registry.Notification
}

func (o *notificationObject) Field(name string) (value.Value, error) {
	n, ok := o.book.Get(o.decl.Spec.Name)
	if !ok {
		return value.NullValue, fmt.Errorf("notification %s is not bound", o.decl.Spec.Name)
	}
	switch name {
	case "name":
		return value.NewString(n.Name), nil
	case "type":
		return value.NewString(string(n.Type)), nil
	case "pending":
		return value.NewBool(n.Pending), nil
	case "response":
		return value.NewString(n.Response), nil
	case "response_choice":
		return value.NewString(n.ResponseChoice), nil
	case "comment":
		return value.NewString(n.Comment), nil
	case "timeout":
		return value.NewInt(n.Timeout), nil
	case "time_notified":
		return timeValue(n.TimeNotified), nil
	case "time_response":
		return timeValue(n.TimeResponse), nil
	}
	if _, ok := o.decl.Details.Lookup(name); ok {
		return n.Details[name], nil
	}
	return value.NullValue, fmt.Errorf("notification %s has no field %q", o.decl.Spec.Name, name)
}

func (o *notificationObject) SetField(name string, v value.Value) error {
	ok, err := o.Assign(name, v)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("notification %s: %s is read-only", o.decl.Spec.Name, name)
	}
	return nil
}

// Lookup and Assign let the details of the current notification be used as
// bare names inside its condition, timeout and response scripts.
func (o *notificationObject) Lookup(name string) (value.Value, bool) {
	if name == "notification" {
		return value.NewObject(o), true
	}
	if _, ok := o.decl.Details.Lookup(name); !ok {
		return value.NullValue, false
	}
	n, ok := o.book.Get(o.decl.Spec.Name)
	if !ok {
		return value.NullValue, false
	}
	return n.Details[name], true
}

func (o *notificationObject) Assign(name string, v value.Value) (bool, error) {
	f, ok := o.decl.Details.Lookup(name)
	if !ok {
		return false, nil
	}
	n, ok := o.book.Get(o.decl.Spec.Name)
	if !ok {
		return true, fmt.Errorf("notification %s is not bound", o.decl.Spec.Name)
	}
	cv, err := f.Coerce(v)
	if err != nil {
		return true, err
	}
	n.Details[name] = cv
	return true, nil
}

func timeValue(t *time.Time) value.Value {
	if t == nil {
		return value.NullValue
	}
	return value.NewDate(*t)
}

// ── Pseudo-object scope ──────────────────────────────────────

// pseudoScope binds the well-known object names. It is searched first, so
// a field can never shadow "outputs" and friends.
type pseudoScope map[string]value.Value

func (p pseudoScope) Lookup(name string) (value.Value, bool) {
	v, ok := p[name]
	return v, ok
}

func (p pseudoScope) Assign(name string, _ value.Value) (bool, error) {
	if _, ok := p[name]; !ok {
		return false, nil
	}
	return true, fmt.Errorf("%s cannot be reassigned", name)
}

// event describes why a script runs.
func event(kind, name string, now time.Time) value.Value {
	m := value.NewMapData()
	m.Set("kind", value.NewString(kind))
	m.Set("name", value.NewString(name))
	m.Set("time", value.NewDate(now))
	return value.NewMap(m)
}
