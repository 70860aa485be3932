package httpserver

import (
	"context"
	"net/http"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// TraceMiddleware starts a span for each HTTP request.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr := otel.Tracer("http.server")
		ctx, span := tr.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type traceIDKey struct{}

// TraceHeader reads the X-Trace-Id header, minting one when absent, echoes it
// on the response, and makes it the default trace id for the operations the
// request performs.
func TraceHeader() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Trace-Id")
			if traceID == "" {
				traceID = ulid.Make().String()
			}
			w.Header().Set("X-Trace-Id", traceID)
			ctx := context.WithValue(r.Context(), traceIDKey{}, traceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TraceIDFrom returns the request's trace id, empty when TraceHeader did not
// run.
func TraceIDFrom(r *http.Request) string {
	if v := r.Context().Value(traceIDKey{}); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
