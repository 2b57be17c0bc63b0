// Package kerrors defines the canonical error kinds the kernel uses to
// translate internal failures into stable HTTP responses.
package kerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a machine-readable error classification. Every Kind maps to
// exactly one HTTP status.
type Kind string

const (
	Unauthenticated     Kind = "Unauthenticated"
	Forbidden           Kind = "Forbidden"
	NotFound            Kind = "NotFound"
	Conflict            Kind = "Conflict"
	RateLimited         Kind = "RateLimited"
	StreamLimitExceeded Kind = "StreamLimitExceeded"
	Validation          Kind = "Validation"
	Timeout             Kind = "Timeout"
	Unavailable         Kind = "Unavailable"
	Internal            Kind = "Internal"
)

// HTTPStatus returns the stable HTTP status code for a Kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case RateLimited, StreamLimitExceeded:
		return http.StatusTooManyRequests
	case Validation:
		return http.StatusBadRequest
	case Timeout:
		return http.StatusGatewayTimeout
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed error carrying a Kind and a message safe to surface to
// callers. The wrapped cause (if any) is never serialized across the HTTP
// boundary.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error of the given Kind with a safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given Kind, attaching cause for logging
// while keeping message as the only text that crosses the HTTP boundary.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts a *Error from err, if present in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, defaulting to Internal when err does not
// wrap a *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}

func Unauthenticatedf(format string, args ...any) *Error {
	return New(Unauthenticated, fmt.Sprintf(format, args...))
}

func Forbiddenf(format string, args ...any) *Error {
	return New(Forbidden, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) *Error {
	return New(Conflict, fmt.Sprintf(format, args...))
}

func Validationf(format string, args ...any) *Error {
	return New(Validation, fmt.Sprintf(format, args...))
}

func Internalf(cause error, format string, args ...any) *Error {
	return Wrap(Internal, fmt.Sprintf(format, args...), cause)
}
