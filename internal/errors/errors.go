// Package errors defines the failure kinds surfaced by the scheduler and
// helpers for recovering panics in background goroutines.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Failure kinds. Match them with errors.Is.
var (
	// ErrConfiguration means the scheduler was used before the application
	// identity was established
	ErrConfiguration = stderrors.New("configuration error")

	// ErrPersistence means a read from the schedule store failed
	ErrPersistence = stderrors.New("persistence error")

	// ErrCompilation means a schedule record carries malformed fields
	ErrCompilation = stderrors.New("compilation error")

	// ErrDispatch means the outbound job trigger call failed
	ErrDispatch = stderrors.New("dispatch error")
)

// Error carries the failure kind together with the operation and schedule
// it happened on
type Error struct {
	Kind error  // One of the Err* sentinels above
	Op   string // Operation that failed, e.g. "resync" or "upsert"
	ID   string // Schedule ID, empty when not tied to one schedule
	Err  error  // Underlying cause, may be nil
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ID != "" {
		msg += fmt.Sprintf(" (schedule %s)", e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the failure kind of e
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// Configuration builds an ErrConfiguration failure
func Configuration(op string, err error) error {
	return &Error{Kind: ErrConfiguration, Op: op, Err: err}
}

// Persistence builds an ErrPersistence failure
func Persistence(op, id string, err error) error {
	return &Error{Kind: ErrPersistence, Op: op, ID: id, Err: err}
}

// Compilation builds an ErrCompilation failure
func Compilation(id string, err error) error {
	return &Error{Kind: ErrCompilation, Op: "compile", ID: id, Err: err}
}

// Dispatch builds an ErrDispatch failure
func Dispatch(id string, err error) error {
	return &Error{Kind: ErrDispatch, Op: "dispatch", ID: id, Err: err}
}

// Is is a shorthand for the standard library errors.Is
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
