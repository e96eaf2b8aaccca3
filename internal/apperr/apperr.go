// Package apperr defines the error taxonomy shared by the synchronizers and the
// row store server.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error class.
type Kind string

const (
	KindUnknown    Kind = "UNKNOWN"
	KindValidation Kind = "VALIDATION"
	KindPermission Kind = "PERMISSION"
	KindNotFound   Kind = "NOT_FOUND"
	KindConflict   Kind = "CONFLICT"
	KindTransient  Kind = "TRANSIENT"
	KindTerminal   Kind = "TERMINAL"
)

// Error is a classified error with an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinels usable with errors.Is.
var (
	ErrValidation = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrPermission = &Error{Kind: KindPermission, Message: "permission denied"}
	ErrNotFound   = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict   = &Error{Kind: KindConflict, Message: "conflict"}
	ErrTransient  = &Error{Kind: KindTransient, Message: "transient failure"}
	ErrTerminal   = &Error{Kind: KindTerminal, Message: "write failed"}
)

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Validation rejects malformed input before any state is touched.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

// Permission rejects a caller lacking the required role.
func Permission(format string, args ...any) *Error {
	return New(KindPermission, fmt.Sprintf(format, args...))
}

// NotFound reports a missing entity.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

// Transient wraps a retryable I/O failure.
func Transient(message string, cause error) *Error {
	return Wrap(KindTransient, message, cause)
}

// Terminal wraps a write failure that will not be retried further.
func Terminal(message string, cause error) *Error {
	return Wrap(KindTerminal, message, cause)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
