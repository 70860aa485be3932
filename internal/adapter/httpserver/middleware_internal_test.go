package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jobforge/internal/domain"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()
	h := BearerAuth("sekret")(okHandler())

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic sekret", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer sekret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			require.Equal(t, tc.want, w.Code)
			if tc.want == http.StatusUnauthorized {
				var body struct {
					Error struct {
						Code string `json:"code"`
					} `json:"error"`
				}
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				require.Equal(t, "UNAUTHORIZED", body.Error.Code)
			}
		})
	}
}

func TestBearerAuthDisabledWithoutKey(t *testing.T) {
	t.Parallel()
	h := BearerAuth("")(okHandler())
	r := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestTraceHeaderMintsWhenAbsent(t *testing.T) {
	t.Parallel()
	var seen string
	h := TraceHeader()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFrom(r)
		w.WriteHeader(http.StatusOK)
	}))
	r := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.NotEmpty(t, seen)
	require.Equal(t, seen, w.Header().Get("X-Trace-Id"))
}

func TestTraceHeaderKeepsCallerValue(t *testing.T) {
	t.Parallel()
	var seen string
	h := TraceHeader()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFrom(r)
		w.WriteHeader(http.StatusOK)
	}))
	r := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	r.Header.Set("X-Trace-Id", "trace-abc")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, "trace-abc", seen)
	require.Equal(t, "trace-abc", w.Header().Get("X-Trace-Id"))
}

func TestTraceIDFromWithoutMiddleware(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Empty(t, TraceIDFrom(r))
}

func TestRequestIDSetsHeader(t *testing.T) {
	t.Parallel()
	h := RequestID()(okHandler())
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestRequestIDKeepsExisting(t *testing.T) {
	t.Parallel()
	h := RequestID()(okHandler())
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-Id", "req-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, "req-1", w.Header().Get("X-Request-Id"))
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()
	h := SecurityHeaders(okHandler())
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	require.Equal(t, "default-src 'none'", w.Header().Get("Content-Security-Policy"))
	require.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
}

func TestRecovererConverts500(t *testing.T) {
	t.Parallel()
	h := Recoverer()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	require.NotPanics(t, func() { h.ServeHTTP(w, r) })
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWriteErrorScrubsInternals(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	w := httptest.NewRecorder()
	writeError(w, r, fmt.Errorf("op=repo.list: dial tcp 10.0.0.5:5432: %w", domain.ErrDatabase))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "DATABASE_ERROR", body.Error.Code)
	require.Equal(t, "store unavailable", body.Error.Message)
	require.NotContains(t, w.Body.String(), "10.0.0.5")
}

func TestWriteErrorValidationDetails(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	w := httptest.NewRecorder()
	writeError(w, r, fmt.Errorf("op=usecase.enqueue_job: %w", domain.NewValidationError([]domain.Issue{
		{Field: "tenant_id", Code: "required", Message: "tenant_id is required"},
		{Field: "payload", Code: "too_large", Message: "payload exceeds 64 KiB"},
	})))

	require.Equal(t, http.StatusBadRequest, w.Code)
	var body struct {
		Error struct {
			Code    string         `json:"code"`
			Details []domain.Issue `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "VALIDATION_ERROR", body.Error.Code)
	require.Len(t, body.Error.Details, 2)
	require.Equal(t, "tenant_id", body.Error.Details[0].Field)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrValidation, http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{domain.ErrTimeout, http.StatusGatewayTimeout},
		{domain.ErrExternalService, http.StatusBadGateway},
		{domain.ErrCircuitOpen, http.StatusBadGateway},
		{domain.ErrDatabase, http.StatusServiceUnavailable},
		{fmt.Errorf("unmapped"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(fmt.Errorf("op=test: %w", tc.err)), tc.err.Error())
	}
}
