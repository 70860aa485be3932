// Package httpserver contains the producer HTTP API: handlers, middleware,
// and the JSON envelopes they speak.
//
// Every response is JSON. Errors use one envelope shape,
// {"error": {"code", "message", "details?"}}, with the full field-level
// issue list in details when validation fails.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/jobforge/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error onto the wire envelope. Validation errors
// carry their issue list in details; 5xx messages never echo internals.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	var details any
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		details = verr.Issues
	}
	if status >= http.StatusInternalServerError {
		LoggerFrom(r).Error("request failed",
			"status", status,
			"path", r.URL.Path,
			"error", err)
		msg = safeMessage(status)
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{
		Code:    domain.ErrorCode(err),
		Message: msg,
		Details: details,
	}})
}

func safeMessage(status int) string {
	switch status {
	case http.StatusGatewayTimeout:
		return "upstream timeout"
	case http.StatusBadGateway:
		return "upstream error"
	case http.StatusServiceUnavailable:
		return "store unavailable"
	default:
		return "internal error"
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrExternalService), errors.Is(err, domain.ErrCircuitOpen):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrDatabase):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
