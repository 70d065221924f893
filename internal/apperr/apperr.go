// Package apperr defines the closed set of error codes the engine surfaces.
// Errors are created where a rule is violated and translated exactly once,
// at the HTTP boundary, into a status code plus a structured body.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure.
type Code string

const (
	CodeInvalidArgument    Code = "invalid-argument"
	CodeUnauthenticated    Code = "unauthenticated"
	CodePermissionDenied   Code = "permission-denied"
	CodeNotFound           Code = "not-found"
	CodeFailedPrecondition Code = "failed-precondition"
	CodeResourceExhausted  Code = "resource-exhausted"
	CodeUnavailable        Code = "unavailable"
	CodeCancelled          Code = "cancelled"
	CodeInternal           Code = "internal"
)

// Error carries a code, a human-readable message and optional details.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two coded errors by code, so callers can compare against
// sentinel instances with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause; the cause's message becomes the details field.
func Wrap(code Code, message string, cause error) *Error {
	e := &Error{Code: code, Message: message, cause: cause}
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

// CodeOf extracts the code from an error, defaulting to internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to an HTTP status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidArgument, CodeFailedPrecondition:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Common sentinels used across the billing and job paths.
var (
	// ErrInsufficientCredits is returned when a charge exceeds the balance.
	ErrInsufficientCredits = New(CodeResourceExhausted, "insufficient credits")

	// ErrRateLimited is returned when an action is inside its cooldown window.
	ErrRateLimited = New(CodeResourceExhausted, "rate limit exceeded")

	// ErrJobCancelled is the distinguished cancellation signal raised at
	// workflow checkpoints. It is a terminal outcome, not a failure: the
	// dispatcher maps it to the cancelled status and never refunds it.
	ErrJobCancelled = New(CodeCancelled, "job cancelled")
)
