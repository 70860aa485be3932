// Package builtin ships the connectors every deployment gets out of the box:
// http_request, webhook_deliver and report_generate. Each one is registered
// twice, as a harness connector and as a worker job handler of the same name,
// so the same implementation serves direct invocations and queued jobs.
package builtin

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/jobforge/internal/adapter/artifact"
	"github.com/fairyhunter13/jobforge/internal/connector"
	"github.com/fairyhunter13/jobforge/internal/domain"
	"github.com/fairyhunter13/jobforge/internal/worker"
)

// truncationMarker is appended when a response preview was cut short.
const truncationMarker = "... (truncated)"

// Deps carries the stores the built-in connectors and their job adapters use.
type Deps struct {
	Queue     domain.JobQueue
	Artifacts *artifact.FSStore
	Evidence  domain.EvidenceStore
}

// RegisterAll registers the built-in connectors with the connector registry
// and a job handler for each with the worker registry. Job types equal
// connector ids.
func RegisterAll(conns *connector.Registry, handlers *worker.Registry, h *connector.Harness, deps Deps) {
	for _, conn := range []connector.Connector{
		NewHTTPRequest(nil),
		NewWebhookDeliver(nil),
		NewReportGenerate(deps.Queue, deps.Artifacts),
	} {
		conns.Register(conn)
		handlers.Register(conn.ID(), NewJobAdapter(h, conn, deps))
	}
}

// newInstrumentedClient builds the outbound HTTP client the built-ins share.
// Per-attempt deadlines come from the harness context, so the client itself
// carries no timeout.
func newInstrumentedClient() *http.Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Connector %s %s", r.Method, r.URL.Host)
		}),
	)
	return &http.Client{Transport: transport}
}

// decodePayload maps a JSON-shaped payload onto a typed form. Unknown keys
// are ignored so side-band keys like _trace_context pass through untouched.
func decodePayload(payload map[string]any, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=builtin.decode_payload: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("op=builtin.decode_payload: %w", err)
	}
	return nil
}

// dryRunResponse is the simulated result every built-in returns instead of
// dialing out.
func dryRunResponse(connectorID string, req connector.Request) *connector.Response {
	return &connector.Response{Data: map[string]any{
		"dry_run":   true,
		"connector": connectorID,
		"operation": req.Input.Operation,
	}}
}

// readPreview reads at most limit bytes, marking longer bodies as truncated.
func readPreview(r io.Reader, limit int) (string, error) {
	buf, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return "", err
	}
	if len(buf) > limit {
		return string(buf[:limit]) + truncationMarker, nil
	}
	return string(buf), nil
}
