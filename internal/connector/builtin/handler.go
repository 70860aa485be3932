package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/jobforge/internal/adapter/artifact"
	"github.com/fairyhunter13/jobforge/internal/connector"
	"github.com/fairyhunter13/jobforge/internal/domain"
	"github.com/fairyhunter13/jobforge/internal/worker"
	"github.com/fairyhunter13/jobforge/pkg/canonjson"
)

// JobAdapter runs a connector as a worker job: it shapes the payload into a
// harness invocation, persists the evidence packet, parks the result in the
// artifact store, and translates failures onto the retry taxonomy.
type JobAdapter struct {
	harness   *connector.Harness
	conn      connector.Connector
	evidence  domain.EvidenceStore
	artifacts *artifact.FSStore
}

// NewJobAdapter wraps one connector for the worker registry.
func NewJobAdapter(h *connector.Harness, conn connector.Connector, deps Deps) *JobAdapter {
	return &JobAdapter{harness: h, conn: conn, evidence: deps.Evidence, artifacts: deps.Artifacts}
}

// Handle implements worker.Handler.
func (a *JobAdapter) Handle(ctx context.Context, payload map[string]any, jc *worker.JobContext) (domain.ManifestDraft, error) {
	res := a.harness.Invoke(ctx, a.conn, a.buildRequest(payload, jc))

	if a.evidence != nil {
		if err := a.evidence.InsertEvidence(ctx, res.Evidence); err != nil {
			jc.Logger.Warn("evidence insert failed",
				slog.Any("error", err),
				slog.String("evidence_id", res.Evidence.EvidenceID))
		} else {
			jc.AttachEvidence(res.Evidence.EvidenceID)
		}
	}

	if !res.OK {
		return domain.ManifestDraft{}, invocationError(res.Error)
	}

	draft := domain.ManifestDraft{
		Metrics: map[string]float64{
			"duration_ms": float64(res.Evidence.DurationMS),
			"retries":     float64(res.Evidence.Retries),
		},
		ToolVersions: map[string]string{a.conn.ID(): builtinVersion},
	}
	if n := len(res.Evidence.StatusCodes); n > 0 {
		draft.Metrics["http_status"] = float64(res.Evidence.StatusCodes[n-1])
	}

	data := res.Data
	if m, ok := data.(map[string]any); ok {
		if desc, ok := m[artifactKey].(domain.ArtifactDescriptor); ok {
			draft.Outputs = append(draft.Outputs, desc)
			clone := make(map[string]any, len(m))
			for k, v := range m {
				if k != artifactKey {
					clone[k] = v
				}
			}
			data = clone
		}
	}

	if a.artifacts != nil {
		desc, ref, err := a.storeResult(jc, data)
		if err != nil {
			jc.Logger.Warn("result artifact write failed", slog.Any("error", err))
		} else {
			draft.Outputs = append(draft.Outputs, desc)
			jc.SetResultRef(ref)
		}
	}
	return draft, nil
}

// builtinVersion stamps manifest tool_versions for the shipped connectors.
const builtinVersion = "1.0"

// buildRequest lifts the job payload into a harness request. timeout_ms and
// allowed_hosts ride along as connector config so the harness owns the
// attempt deadline and the SSRF allowlist.
func (a *JobAdapter) buildRequest(payload map[string]any, jc *worker.JobContext) connector.Request {
	cfg := connector.Config{}
	if t, ok := asInt(payload["timeout_ms"]); ok {
		cfg.TimeoutMS = t
	}
	if hosts, ok := payload["allowed_hosts"].([]any); ok {
		for _, h := range hosts {
			if s, ok := h.(string); ok {
				cfg.AllowedHosts = append(cfg.AllowedHosts, s)
			}
		}
	}

	invCtx := connector.InvocationContext{
		TraceID:  jc.TraceID,
		TenantID: jc.TenantID,
		ActorID:  "worker:" + jc.WorkerID,
		JobID:    jc.JobID,
		Attempt:  jc.AttemptNo,
	}
	if jc.ProjectID != nil {
		invCtx.ProjectID = *jc.ProjectID
	}
	if dr, ok := payload["dry_run"].(bool); ok && dr {
		invCtx.DryRun = true
	}

	return connector.Request{
		Config:  cfg,
		Input:   connector.Input{Operation: a.conn.ID(), Payload: payload},
		Context: invCtx,
	}
}

// storeResult parks the connector result next to other job outputs so the
// succeeded row's result ref points at real bytes.
func (a *JobAdapter) storeResult(jc *worker.JobContext, data any) (domain.ArtifactDescriptor, string, error) {
	body, err := canonjson.Marshal(map[string]any{
		"connector": a.conn.ID(),
		"job_id":    jc.JobID,
		"result":    data,
	})
	if err != nil {
		return domain.ArtifactDescriptor{}, "", err
	}
	ref := fmt.Sprintf("results/%s/%s.json", jc.TenantID, jc.JobID)
	desc, err := a.artifacts.Put(ref, "result.json", "connector_result", body)
	if err != nil {
		return domain.ArtifactDescriptor{}, "", err
	}
	return desc, ref, nil
}

// asInt accepts the integer forms JSON decoding can produce.
func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}

// invocationError maps a harness failure onto the domain sentinels the
// worker's retry classification understands.
func invocationError(e *domain.EvidenceError) error {
	if e == nil {
		return fmt.Errorf("op=builtin.invoke: connector failed: %w", domain.ErrInternal)
	}
	switch e.Code {
	case connector.CodeTimeout:
		return fmt.Errorf("op=builtin.invoke: %s: %w", e.Message, domain.ErrTimeout)
	case connector.CodeRateLimit:
		return fmt.Errorf("op=builtin.invoke: %s: %w", e.Message, domain.ErrRateLimited)
	case connector.CodeTransient:
		return fmt.Errorf("op=builtin.invoke: %s: %w", e.Message, domain.ErrExternalService)
	case connector.CodeBreakerOpen:
		return fmt.Errorf("op=builtin.invoke: %s: %w", e.Message, domain.ErrCircuitOpen)
	case connector.CodeSSRFBlocked:
		return fmt.Errorf("op=builtin.invoke: %s: %w", e.Message, domain.ErrSSRFBlocked)
	case connector.CodeConfigValidation, connector.CodeInputValidation, connector.CodeContextValidation:
		return fmt.Errorf("op=builtin.invoke: %s: %w", e.Message, domain.ErrValidation)
	default:
		if e.Retryable {
			return fmt.Errorf("op=builtin.invoke: %s: %s: %w", e.Code, e.Message, domain.ErrExternalService)
		}
		return fmt.Errorf("op=builtin.invoke: %s: %s", e.Code, e.Message)
	}
}
