package builder

import (
	"errors"
	"fmt"

	"github.com/chazu/classforge/descriptor"
)

// ErrClosed is wrapped by the ValidationError returned from any builder
// call made after Close or Discard.
var ErrClosed = errors.New("builder is closed")

// UnresolvedTypeError is returned when a type name cannot be mapped to a
// descriptor.
type UnresolvedTypeError = descriptor.UnresolvedTypeError

// ValidationError reports a structural problem: duplicate members, an
// invalid modifier combination, an operand from another method or an
// unreachable scope, or use after close.
type ValidationError struct {
	Type   string // internal name of the type being built
	Member string // member name and descriptor, if any
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	where := e.Type
	if e.Member != "" {
		where += "." + e.Member
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", where, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", where, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TypeMismatchError reports an operand whose static type cannot be used
// where it was passed.
type TypeMismatchError struct {
	Method  string // method being built
	Op      string // instruction that rejected the operand
	Operand string // which operand, e.g. "argument 1" or "receiver"
	Want    string
	Got     string
}

func (e *TypeMismatchError) Error() string {
	if e.Want == "" {
		return fmt.Sprintf("%s: %s: %s: %s", e.Method, e.Op, e.Operand, e.Got)
	}
	return fmt.Sprintf("%s: %s: %s: want %s, got %s", e.Method, e.Op, e.Operand, e.Want, e.Got)
}

// UnreachableCodeError is returned when an instruction is appended to a
// sequence that already ended in return, throw, or a branch.
type UnreachableCodeError struct {
	Method string
	Op     string
	After  string // the terminal instruction
}

func (e *UnreachableCodeError) Error() string {
	return fmt.Sprintf("%s: %s is unreachable after %s", e.Method, e.Op, e.After)
}

// SerializationError reports an invariant violated while assembling a
// type: an unterminated sequence, an unpatched branch, or a format limit.
type SerializationError struct {
	Type   string
	Member string
	Err    error
}

func (e *SerializationError) Error() string {
	if e.Member != "" {
		return fmt.Sprintf("assembling %s.%s: %v", e.Type, e.Member, e.Err)
	}
	return fmt.Sprintf("assembling %s: %v", e.Type, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
