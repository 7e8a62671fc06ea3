// Package fault defines the error categories shared by every mesh component.
//
// Synchronous operations return a *Error carrying a Code. Callers test the
// category with errors.Is against the sentinels below, which keeps working
// through fmt.Errorf("...: %w", err) wrapping:
//
//	if errors.Is(err, fault.ErrNotFound) { ... }
package fault

import (
	"errors"
	"fmt"
)

// Code categorizes an error.
type Code string

const (
	// CodeInvalidParams: the request violates a size bound or is malformed.
	CodeInvalidParams Code = "INVALID_PARAMS"

	// CodeQueueFull: the command queue has no free slot.
	CodeQueueFull Code = "QUEUE_FULL"

	// CodeNotFound: unknown stream id, context path or peer.
	CodeNotFound Code = "NOT_FOUND"

	// CodeStreamNotActive: data was sent on a stream that is not Active.
	CodeStreamNotActive Code = "STREAM_NOT_ACTIVE"

	// CodeUnsupported: no handler is registered for a stream type.
	CodeUnsupported Code = "UNSUPPORTED"

	// CodeTimeout: the caller's context ended before the operation finished.
	CodeTimeout Code = "TIMEOUT"
)

// Error is a categorized error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op names the operation that failed, e.g. "stream.send".
	Op string

	// Msg is a human-readable description.
	Msg string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Code, so the package sentinels can be
// used with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrInvalidParams   = &Error{Code: CodeInvalidParams}
	ErrQueueFull       = &Error{Code: CodeQueueFull}
	ErrNotFound        = &Error{Code: CodeNotFound}
	ErrStreamNotActive = &Error{Code: CodeStreamNotActive}
	ErrUnsupported     = &Error{Code: CodeUnsupported}
	ErrTimeout         = &Error{Code: CodeTimeout}
)

// New creates an Error for op with a formatted message.
func New(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error for op around cause.
func Wrap(code Code, op string, cause error) *Error {
	return &Error{Code: code, Op: op, Err: cause}
}

// CodeOf returns the Code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsInvalidParams reports whether err is an InvalidParams error.
func IsInvalidParams(err error) bool {
	return errors.Is(err, ErrInvalidParams)
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
