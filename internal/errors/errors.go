// Package errors defines the error taxonomy shared by all resolvd components.
//
// Every public operation returns either a plain wrapped error or an *Error
// carrying a Kind from the taxonomy below. Callers branch on Kind (via
// errors.Is against the sentinel values), never on message text.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind categorizes an error for propagation and audit purposes.
type Kind string

const (
	KindInvalidInput            Kind = "invalid_input"
	KindNotFound                Kind = "not_found"
	KindConflict                Kind = "conflict"
	KindInvalidTransition       Kind = "invalid_transition"
	KindSanitizationRequired    Kind = "sanitization_required"
	KindProviderUnavailable     Kind = "provider_unavailable"
	KindAllProvidersUnavailable Kind = "all_providers_unavailable"
	KindRateLimited             Kind = "rate_limited"
	KindInvalidModelOutput      Kind = "invalid_model_output"
	KindDeadlineExceeded        Kind = "deadline_exceeded"
	KindCancelled               Kind = "cancelled"
	KindIntegrity               Kind = "integrity_error"
	KindTransient               Kind = "transient"
	KindInternal                Kind = "internal"
)

// Sentinel errors for errors.Is checks. Each maps 1:1 to a Kind.
var (
	ErrInvalidInput            = errors.New("invalid input")
	ErrNotFound                = errors.New("not found")
	ErrConflict                = errors.New("version conflict")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrSanitizationRequired    = errors.New("sanitization required")
	ErrProviderUnavailable     = errors.New("provider unavailable")
	ErrAllProvidersUnavailable = errors.New("all providers unavailable")
	ErrRateLimited             = errors.New("rate limited")
	ErrInvalidModelOutput      = errors.New("invalid model output")
	ErrDeadlineExceeded        = errors.New("deadline exceeded")
	ErrCancelled               = errors.New("cancelled")
	ErrIntegrity               = errors.New("integrity error")
	ErrTransient               = errors.New("transient error")
	ErrInternal                = errors.New("internal error")
)

var sentinelByKind = map[Kind]error{
	KindInvalidInput:            ErrInvalidInput,
	KindNotFound:                ErrNotFound,
	KindConflict:                ErrConflict,
	KindInvalidTransition:       ErrInvalidTransition,
	KindSanitizationRequired:    ErrSanitizationRequired,
	KindProviderUnavailable:     ErrProviderUnavailable,
	KindAllProvidersUnavailable: ErrAllProvidersUnavailable,
	KindRateLimited:             ErrRateLimited,
	KindInvalidModelOutput:      ErrInvalidModelOutput,
	KindDeadlineExceeded:        ErrDeadlineExceeded,
	KindCancelled:               ErrCancelled,
	KindIntegrity:               ErrIntegrity,
	KindTransient:               ErrTransient,
	KindInternal:                ErrInternal,
}

// userMessages are the stable caller-visible strings, keyed by Kind.
// Raw messages and stack context stay on the server side.
var userMessages = map[Kind]string{
	KindInvalidInput:            "the request failed validation",
	KindNotFound:                "the requested record does not exist",
	KindConflict:                "the record was modified by another request",
	KindInvalidTransition:       "the requested status change is not allowed",
	KindSanitizationRequired:    "the text could not be fully sanitized",
	KindProviderUnavailable:     "the model provider is unavailable",
	KindAllProvidersUnavailable: "no model provider is currently available",
	KindRateLimited:             "the request was rate limited",
	KindInvalidModelOutput:      "the model returned an unusable response",
	KindDeadlineExceeded:        "the request deadline elapsed",
	KindCancelled:               "the request was cancelled",
	KindIntegrity:               "an integrity check failed",
	KindTransient:               "a temporary error occurred, retry later",
	KindInternal:                "an internal error occurred",
}

// Error is a structured error for resolution pipeline operations.
type Error struct {
	Kind      Kind
	Op        string // Operation that failed (e.g. "store.resolve", "dispatch.complete")
	Err       error  // Underlying error
	Timestamp time.Time
	Retryable bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for this error's Kind as well as the wrapped chain.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if sentinel, ok := sentinelByKind[e.Kind]; ok && target == sentinel {
		return true
	}
	return errors.Is(e.Err, target)
}

// New creates a structured error with the given kind and operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: kind == KindTransient || kind == KindRateLimited || kind == KindProviderUnavailable,
	}
}

// Newf creates a structured error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// KindOf extracts the Kind from an error chain, or KindInternal when the
// error carries no classification.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrDeadlineExceeded):
		return KindDeadlineExceeded
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	}
	return KindInternal
}

// UserMessage returns the stable caller-facing string for an error.
func UserMessage(err error) string {
	if msg, ok := userMessages[KindOf(err)]; ok {
		return msg
	}
	return userMessages[KindInternal]
}

// IsRetryable reports whether a caller may reasonably retry the operation.
func IsRetryable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}

// Is and As re-exports so callers don't need to import both this package and
// the standard library one.
func Is(err, target error) bool     { return errors.Is(err, target) }
func As(err error, target any) bool { return errors.As(err, target) }
