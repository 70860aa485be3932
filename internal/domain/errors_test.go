package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"validation", fmt.Errorf("op=x: %w", ErrValidation), KindValidation},
		{"timeout", ErrTimeout, KindTimeout},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"rate_limited", ErrRateLimited, KindRateLimited},
		{"external", ErrExternalService, KindTransient},
		{"database", ErrDatabase, KindTransient},
		{"circuit", ErrCircuitOpen, KindTransient},
		{"unknown", errors.New("boom"), KindPermanent},
		{"not_found", ErrNotFound, KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorKindRetryable(t *testing.T) {
	retryable := []ErrorKind{KindTimeout, KindRateLimited, KindTransient}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	for _, k := range []ErrorKind{KindValidation, KindPermanent} {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrValidation, "VALIDATION_ERROR"},
		{ErrNotFound, "NOT_FOUND"},
		{ErrConflict, "CONFLICT"},
		{ErrUnauthorized, "UNAUTHORIZED"},
		{ErrForbidden, "FORBIDDEN"},
		{ErrRateLimited, "RATE_LIMIT_EXCEEDED"},
		{ErrTimeout, "TIMEOUT"},
		{ErrExternalService, "EXTERNAL_SERVICE_ERROR"},
		{ErrDatabase, "DATABASE_ERROR"},
		{ErrSSRFBlocked, "SSRF_BLOCKED"},
		{ErrCircuitOpen, "CIRCUIT_BREAKER_OPEN"},
		{errors.New("mystery"), "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		if got := ErrorCode(fmt.Errorf("op=test: %w", tt.err)); got != tt.want {
			t.Errorf("ErrorCode(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestHasErrorsIgnoresWarnings(t *testing.T) {
	warnOnly := []Issue{{Field: "version", Code: "version_mismatch", Warning: true}}
	if HasErrors(warnOnly) {
		t.Error("warnings alone must not fail validation")
	}
	mixed := append(warnOnly, Issue{Field: "tenant_id", Code: "required"})
	if !HasErrors(mixed) {
		t.Error("non-warning issue must fail validation")
	}
}
