// Package apperr defines the transport-agnostic error taxonomy every
// service returns. The gateway boundary maps a Kind to one HTTP status and
// error code; nothing below internal/httpserver should know about status
// codes at all.
package apperr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories from the error handling design.
type Kind string

const (
	AuthRequired       Kind = "auth_required"
	AuthInvalid        Kind = "auth_invalid"
	TokenExpired       Kind = "token_expired"
	TokenReuseDetected Kind = "token_reuse_detected"
	PermissionDenied   Kind = "permission_denied"
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
	Preconditioned     Kind = "preconditioned"
	Invalid            Kind = "invalid"
	RateLimited        Kind = "rate_limited"
	ResourceExhausted  Kind = "resource_exhausted"
	SlowConsumer       Kind = "slow_consumer"
	Transient          Kind = "transient"
	Permanent          Kind = "permanent"
	Internal           Kind = "internal"
)

// Error is a typed application error carrying a Kind for boundary mapping.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Internal when err is not
// (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
