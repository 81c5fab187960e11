package models

import "fmt"

// ConfigError rejects a create/update payload: missing or duplicate names,
// unknown keywords, bad types.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// Configf builds a ConfigError.
func Configf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError is returned when a requested entity does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return e.Entity + " not found: " + e.Key
}

// NotFound builds a NotFoundError for a (user, name) key.
func NotFound(entity, user, name string) error {
	return &NotFoundError{Entity: entity, Key: user + ":" + name}
}

// StateError rejects an operation the target's current state does not
// allow, such as responding to a notification that is not pending.
type StateError struct {
	Msg string
}

func (e *StateError) Error() string { return e.Msg }

// Statef builds a StateError.
func Statef(format string, args ...any) error {
	return &StateError{Msg: fmt.Sprintf(format, args...)}
}
