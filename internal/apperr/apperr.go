// Package apperr classifies failures reported by the view models.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an operation.
type Kind string

const (
	// Validation errors are rejected before any write.
	Validation Kind = "validation"
	// Conflict errors are rejected because they would break an invariant.
	Conflict Kind = "conflict"
	// NotFound means the target record is not known.
	NotFound Kind = "not_found"
	// Backend errors come from a failed read or write.
	Backend Kind = "backend"
	// Partial means a multi-step operation stopped after some steps committed.
	Partial Kind = "partial"
)

// Error is an operation failure with its class.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func Invalid(op, message string, err error) *Error {
	return &Error{Kind: Validation, Op: op, Message: message, Err: err}
}

func Conflicting(op, message string, err error) *Error {
	return &Error{Kind: Conflict, Op: op, Message: message, Err: err}
}

func Missing(op, resource string) *Error {
	return &Error{Kind: NotFound, Op: op, Message: resource + " not found"}
}

func BackendFailure(op string, err error) *Error {
	return &Error{Kind: Backend, Op: op, Message: "backend request failed", Err: err}
}
