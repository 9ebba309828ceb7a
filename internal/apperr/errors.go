// Package apperr defines the error taxonomy shared by the marketplace core.
//
// Every failure a core operation reports to its caller is an *Error with a
// Kind. Callers branch on the Kind (see KindOf), never on the message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a failure.
type Kind string

const (
	KindInternal           Kind = "INTERNAL"
	KindInvalidArgument    Kind = "INVALID_ARGUMENT"
	KindInvalidCredentials Kind = "INVALID_CREDENTIALS"
	KindUnauthenticated    Kind = "UNAUTHENTICATED"
	KindForbidden          Kind = "FORBIDDEN"
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
	KindInvalidOperation   Kind = "INVALID_OPERATION"
	KindResourceExhausted  Kind = "RESOURCE_EXHAUSTED"
)

// Error is a categorized failure. Message is safe to show to clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind, so
// errors.Is(err, apperr.NotFound("")) works as a kind check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func InvalidArgument(format string, args ...any) *Error {
	return newf(KindInvalidArgument, format, args...)
}

func InvalidCredentials() *Error {
	return newf(KindInvalidCredentials, "invalid email or password")
}

func Unauthenticated(format string, args ...any) *Error {
	return newf(KindUnauthenticated, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newf(KindForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, format, args...)
}

func InvalidOperation(format string, args ...any) *Error {
	return newf(KindInvalidOperation, format, args...)
}

func ResourceExhausted(format string, args ...any) *Error {
	return newf(KindResourceExhausted, format, args...)
}

// Internal wraps an infrastructure failure. The cause is kept for logs but
// the client only ever sees the generic message.
func Internal(err error, format string, args ...any) *Error {
	e := newf(KindInternal, format, args...)
	e.Err = err
	return e
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the client-facing message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal server error"
}

// HTTPStatus maps a Kind onto the status code used by the JSON API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidArgument, KindInvalidCredentials, KindConflict, KindInvalidOperation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindResourceExhausted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
