package script

import (
	"errors"
	"fmt"
)

// ErrSuspend is returned by a Host's Notify when the notification suspends
// the instance. It unwinds the running script without being a fault.
var ErrSuspend = errors.New("script suspended by notification")

// ParseError reports malformed source. Context names the definition field
// the source came from ("trigger_interval", "timer script", ...).
type ParseError struct {
	Context string
	Pos     Pos
	Msg     string
}

func (e *ParseError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("parse error in %s at %s: %s", e.Context, e.Pos, e.Msg)
	}
	return fmt.Sprintf("parse error at %s: %s", e.Pos, e.Msg)
}

// SemanticError reports well-formed source that refers to unknown symbols
// or calls a function with the wrong number of arguments.
type SemanticError struct {
	Context string
	Pos     Pos
	Msg     string
}

func (e *SemanticError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("semantic error in %s at %s: %s", e.Context, e.Pos, e.Msg)
	}
	return fmt.Sprintf("semantic error at %s: %s", e.Pos, e.Msg)
}

// RuntimeError is a fault raised while evaluating (division by zero, type
// mismatch, missing symbol, out-of-range index).
type RuntimeError struct {
	Pos Pos
	Msg string
	Err error
}

func (e *RuntimeError) Error() string {
	if e.Pos.Line > 0 {
		return fmt.Sprintf("%s (at %s)", e.Msg, e.Pos)
	}
	return e.Msg
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// BudgetExceededError aborts an execution that used more steps than its
// budget allows.
type BudgetExceededError struct {
	Limit  int64
	Reason string
}

func (e *BudgetExceededError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("execution budget exceeded: %s", e.Reason)
	}
	return fmt.Sprintf("execution budget of %d steps exceeded", e.Limit)
}

// WithContext tags parse and semantic errors with the field they came from.
// Other errors are returned unchanged.
func WithContext(err error, context string) error {
	var pe *ParseError
	if errors.As(err, &pe) {
		cp := *pe
		cp.Context = context
		return &cp
	}
	var se *SemanticError
	if errors.As(err, &se) {
		cp := *se
		cp.Context = context
		return &cp
	}
	return err
}

func undefinedSymbol(name string) string {
	return fmt.Sprintf("no definition for symbol '%s' in any scope", name)
}
