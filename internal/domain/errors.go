package domain

import (
	"context"
	"errors"
	"strings"
)

// ErrorKind classifies a failure for retry scheduling. Retryable iff the
// kind is timeout, rate_limited, or transient.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindTransient   ErrorKind = "transient"
	KindPermanent   ErrorKind = "permanent"
)

// Retryable reports whether a failure of this kind re-enters the retry
// schedule.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindRateLimited, KindTransient:
		return true
	}
	return false
}

// ValidErrorKind reports whether s names a known kind.
func ValidErrorKind(s string) bool {
	switch ErrorKind(s) {
	case KindValidation, KindTimeout, KindRateLimited, KindTransient, KindPermanent:
		return true
	}
	return false
}

// ClassifyError maps an error to its kind. Unknown errors are permanent so
// a buggy handler cannot retry forever.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrExternalService), errors.Is(err, ErrDatabase), errors.Is(err, ErrCircuitOpen):
		return KindTransient
	default:
		return KindPermanent
	}
}

// ErrorCode returns the stable wire code for err.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMIT_EXCEEDED"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	case errors.Is(err, ErrExternalService):
		return "EXTERNAL_SERVICE_ERROR"
	case errors.Is(err, ErrDatabase):
		return "DATABASE_ERROR"
	case errors.Is(err, ErrSSRFBlocked):
		return "SSRF_BLOCKED"
	case errors.Is(err, ErrCircuitOpen):
		return "CIRCUIT_BREAKER_OPEN"
	default:
		return "INTERNAL_ERROR"
	}
}

// CodeForKind maps an attempt's kind to the code recorded on failed
// manifests.
func CodeForKind(k ErrorKind) string {
	switch k {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindTimeout:
		return "TIMEOUT"
	case KindRateLimited:
		return "RATE_LIMIT_EXCEEDED"
	case KindTransient:
		return "EXTERNAL_SERVICE_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}

// Issue is one field-level validation finding. Validators return the full
// list, never just the first. Warning issues do not fail validation.
type Issue struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Warning bool   `json:"warning,omitempty"`
}

// HasErrors reports whether issues contains at least one non-warning entry.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if !i.Warning {
			return true
		}
	}
	return false
}

// ValidationError carries the field-level issues behind ErrValidation so
// boundaries can render them as error details.
type ValidationError struct {
	Issues []Issue
}

// NewValidationError wraps issues; warnings are kept but do not appear in
// the message.
func NewValidationError(issues []Issue) *ValidationError {
	return &ValidationError{Issues: issues}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		if i.Warning {
			continue
		}
		parts = append(parts, i.Field+": "+i.Message)
	}
	if len(parts) == 0 {
		return ErrValidation.Error()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
