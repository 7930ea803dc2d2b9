// Package errs defines the closed error taxonomy every component translates
// its failures into before they reach a transport adapter (REST, RPC bridge,
// PG-wire). Transport code renders a Code into its native shape; it never
// needs to inspect component-specific error types.
package errs

import (
	"errors"
	"fmt"
)

// Code is one of the ten abstract error classes every component speaks.
type Code int

const (
	// InvalidArgument covers malformed requests, unknown enums, predicates
	// that fail to parse.
	InvalidArgument Code = iota
	// NotFound covers a resource absent from the registry or the filesystem.
	NotFound
	// Conflict covers an existing resource, an idempotency key conflict, or
	// import fail_on_duplicates.
	Conflict
	// Unauthenticated covers a missing or invalid credential.
	Unauthenticated
	// PermissionDenied covers a valid credential presented against the wrong scope.
	PermissionDenied
	// ResourceExhausted covers quota breaches, workspace size limits, queue limits.
	ResourceExhausted
	// FailedPrecondition covers an operation incompatible with resource state.
	FailedPrecondition
	// IOFailure covers filesystem or engine failures.
	IOFailure
	// Timeout covers statement/idle timeout and lock-acquisition timeout.
	Timeout
	// Internal covers unanticipated failure.
	Internal
)

func (c Code) String() string {
	switch c {
	case InvalidArgument:
		return "InvalidArgument"
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	case Unauthenticated:
		return "Unauthenticated"
	case PermissionDenied:
		return "PermissionDenied"
	case ResourceExhausted:
		return "ResourceExhausted"
	case FailedPrecondition:
		return "FailedPrecondition"
	case IOFailure:
		return "IOFailure"
	case Timeout:
		return "Timeout"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carrying a Code, a message, and an
// optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error that wraps cause, preserving it for errors.Is/As.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the Code from err, defaulting to Internal when err does not
// wrap an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err's code equals code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
