// README: Typed rejections with a stable machine-readable code and an HTTP-facing kind.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindConflict   Kind = "conflict"
	KindGeofence   Kind = "geofence"
	KindInternal   Kind = "internal"
)

// Error is a rejection clients can branch on by Code. Message is for humans only.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on Code so a detailed copy still satisfies errors.Is against the sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Withf returns a copy of e with a more specific message. The code is unchanged.
func (e *Error) Withf(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// Common rejections shared by several modules.
var (
	ErrInvalidRequest = New(KindValidation, "invalid_request", "invalid request")
	ErrForbidden      = New(KindForbidden, "forbidden", "caller is not allowed to perform this action")
	ErrInternal       = New(KindInternal, "internal", "internal error")
)

// From extracts the typed error from err, falling back to ErrInternal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal
}

// Validation builds a validation rejection with a specific message.
func Validation(format string, args ...any) *Error {
	return ErrInvalidRequest.Withf(format, args...)
}
