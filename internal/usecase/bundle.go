package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/jobforge/internal/adapter/artifact"
	"github.com/fairyhunter13/jobforge/internal/adapter/observability"
	"github.com/fairyhunter13/jobforge/internal/config"
	"github.com/fairyhunter13/jobforge/internal/domain"
	"github.com/fairyhunter13/jobforge/internal/policytoken"
	"github.com/fairyhunter13/jobforge/internal/worker"
	"github.com/fairyhunter13/jobforge/pkg/canonjson"
	"github.com/fairyhunter13/jobforge/pkg/textx"
)

// maxReasonLen bounds per-request denial and error reasons recorded in the
// bundle report.
const maxReasonLen = 256

// BundleExecutor is the worker handler for autopilot.execute_request_bundle.
// It fans a validated bundle out into child jobs, enforcing action-job
// gating and single-use policy tokens per request, and records the outcome
// as a canonical-JSON bundle report artifact plus a durable bundle run row.
type BundleExecutor struct {
	Queue     domain.JobQueue
	Runs      domain.BundleRunStore
	Replay    domain.TokenReplayStore
	Artifacts *artifact.FSStore
	Flags     config.FlagSource
	Secrets   []string
}

// NewBundleExecutor wires the executor. Artifacts may be nil; the bundle
// report artifact is then skipped.
func NewBundleExecutor(queue domain.JobQueue, runs domain.BundleRunStore, replay domain.TokenReplayStore, artifacts *artifact.FSStore, flags config.FlagSource, secrets []string) *BundleExecutor {
	return &BundleExecutor{Queue: queue, Runs: runs, Replay: replay, Artifacts: artifacts, Flags: flags, Secrets: secrets}
}

// Register hangs the executor on the worker registry under its job type.
func (x *BundleExecutor) Register(handlers *worker.Registry) {
	handlers.Register(domain.BundleExecutorJobType, x)
}

// Handle implements worker.Handler.
//
// The executor job itself succeeds whenever the bundle was processed end to
// end; denied or errored requests surface through the summary, the report
// artifact, and the bundle run status, not through a job retry. Retrying
// would re-burn consumed policy tokens and flip accepted actions to denied.
func (x *BundleExecutor) Handle(ctx context.Context, payload map[string]any, jc *worker.JobContext) (domain.ManifestDraft, error) {
	if !x.Flags.AutopilotJobsEnabled() {
		return domain.ManifestDraft{}, fmt.Errorf("op=usecase.bundle_executor: autopilot jobs disabled: %w", domain.ErrForbidden)
	}
	bundle, mode, token, err := decodeExecutorPayload(payload)
	if err != nil {
		return domain.ManifestDraft{}, fmt.Errorf("op=usecase.bundle_executor: %w", err)
	}

	issues := bundle.Validate()
	if bundle.TenantID != "" && bundle.TenantID != jc.TenantID {
		issues = append(issues, domain.Issue{Field: "tenant_id", Code: "tenant_mismatch", Message: "bundle tenant_id must equal the executor job's tenant"})
	}
	if domain.HasErrors(issues) {
		x.writeRun(ctx, bundle, jc, domain.BundleRunFailed, domain.BundleSummary{Total: len(bundle.Requests)})
		observability.RecordBundleRun("failed")
		return domain.ManifestDraft{}, fmt.Errorf("op=usecase.bundle_executor: %w", domain.NewValidationError(issues))
	}

	x.writeRun(ctx, bundle, jc, domain.BundleRunRunning, domain.BundleSummary{Total: len(bundle.Requests)})

	summary := domain.BundleSummary{Total: len(bundle.Requests)}
	childRuns := make([]domain.ChildRun, 0, len(bundle.Requests))
	for _, r := range bundle.Requests {
		if ctx.Err() != nil {
			// Leave the job claimed; a re-run deduplicates already-enqueued
			// children by idempotency key.
			return domain.ManifestDraft{}, fmt.Errorf("op=usecase.bundle_executor: %w", ctx.Err())
		}
		rec, blocked := x.runRequest(ctx, bundle, mode, token, r)
		switch {
		case rec.Status == domain.ChildAccepted:
			summary.Accepted++
		case rec.Status == domain.ChildDuplicate:
			summary.Duplicates++
		case rec.Status == domain.ChildError:
			summary.Errors++
		case blocked:
			summary.ActionJobsBlocked++
		default:
			summary.Denied++
		}
		observability.RecordBundleChild(rec.Status)
		if rec.Status != domain.ChildAccepted && rec.Status != domain.ChildDuplicate {
			jc.Logger.Warn("bundle request rejected",
				slog.String("request_id", rec.RequestID),
				slog.String("status", rec.Status),
				slog.String("reason", rec.Reason))
		}
		childRuns = append(childRuns, rec)
	}

	draft := domain.ManifestDraft{Metrics: summaryMetrics(summary)}
	if x.Artifacts != nil {
		report := map[string]any{
			"bundle_id":  bundle.BundleID,
			"run_id":     jc.JobID,
			"trace_id":   bundle.TraceID,
			"mode":       string(mode),
			"summary":    summary,
			"child_runs": childRuns,
		}
		data, err := canonjson.Marshal(report)
		if err != nil {
			return domain.ManifestDraft{}, fmt.Errorf("op=usecase.bundle_executor: encode report: %w", err)
		}
		ref := fmt.Sprintf("bundles/%s/%s/%s.json", jc.TenantID, bundle.BundleID, jc.JobID)
		desc, err := x.Artifacts.Put(ref, "bundle_run.json", "bundle_run", data)
		if err != nil {
			jc.Logger.Warn("bundle report write failed", slog.String("ref", ref), slog.Any("error", err))
		} else {
			draft.Outputs = append(draft.Outputs, desc)
			jc.SetResultRef(desc.Ref)
		}
	}

	status := domain.BundleRunComplete
	outcome := "complete"
	if !summary.Success() {
		status = domain.BundleRunFailed
		outcome = "failed"
	}
	x.writeRun(ctx, bundle, jc, status, summary)
	observability.RecordBundleRun(outcome)

	jc.Logger.Info("bundle executed",
		slog.String("bundle_id", bundle.BundleID),
		slog.String("mode", string(mode)),
		slog.Int("total", summary.Total),
		slog.Int("accepted", summary.Accepted),
		slog.Int("duplicates", summary.Duplicates),
		slog.Int("denied", summary.Denied),
		slog.Int("errors", summary.Errors),
		slog.Int("action_jobs_blocked", summary.ActionJobsBlocked),
		slog.String("status", string(status)))
	return draft, nil
}

// runRequest gates and enqueues one bundle request. blocked reports that the
// request never reached a token check: the action-job kill switch, or no
// token presented at all. Failed verifications count as denials instead.
func (x *BundleExecutor) runRequest(ctx context.Context, b domain.JobRequestBundle, mode domain.ExecutionMode, token string, r domain.BundleRequest) (rec domain.ChildRun, blocked bool) {
	rec = domain.ChildRun{RequestID: r.ID, JobType: r.JobType}
	if r.IsActionJob {
		switch {
		case x.Flags.ActionJobsEnabled():
			if token == "" {
				observability.RecordTokenVerification("missing")
				rec.Status = domain.ChildDenied
				rec.Reason = "policy token required for action jobs"
				return rec, true
			}
			if reason := x.authorizeAction(ctx, r, token); reason != "" {
				rec.Status = domain.ChildDenied
				rec.Reason = reason
				return rec, false
			}
		case mode == domain.ModeDryRun:
			// Replay semantics: the child runs, but as a non-action job.
			r.IsActionJob = false
			rec.OriginalActionJob = true
			rec.Warning = "action jobs disabled; forced to non-action dry run"
		default:
			rec.Status = domain.ChildDenied
			rec.Reason = "action jobs disabled"
			return rec, true
		}
	}

	payload := make(map[string]any, len(r.Payload)+1)
	for k, v := range r.Payload {
		payload[k] = v
	}
	payload[domain.TraceContextKey] = b.TraceID

	projectID := r.ProjectID
	if projectID == nil {
		projectID = b.ProjectID
	}
	child, created, err := x.Queue.Enqueue(ctx, domain.EnqueueInput{
		TenantID:       r.TenantID,
		ProjectID:      projectID,
		Type:           r.JobType,
		Payload:        payload,
		IdempotencyKey: r.IdempotencyKey,
		IsActionJob:    r.IsActionJob,
		RequiredScopes: r.RequiredScopes,
		TraceID:        b.TraceID,
	})
	if err != nil {
		rec.Status = domain.ChildError
		rec.Reason = textx.CleanErrorMessage(err.Error(), maxReasonLen)
		return rec, false
	}
	rec.JobID = child.ID
	if created {
		rec.Status = domain.ChildAccepted
		observability.EnqueueJob(child.Type)
	} else {
		rec.Status = domain.ChildDuplicate
	}
	return rec, false
}

// authorizeAction verifies and consumes the policy token for one action-job
// request. An empty return means authorized; anything else is the denial
// reason. Replay-store failures deny rather than let an action through.
func (x *BundleExecutor) authorizeAction(ctx context.Context, r domain.BundleRequest, token string) string {
	req := policytoken.Requirements{Action: r.JobType, TenantID: r.TenantID, Scopes: r.RequiredScopes}
	if r.ProjectID != nil {
		req.ProjectID = *r.ProjectID
	}
	claims, err := policytoken.Verify(token, x.Secrets, req)
	if err != nil {
		observability.RecordTokenVerification("denied")
		return textx.CleanErrorMessage(err.Error(), maxReasonLen)
	}
	ok, err := x.Replay.ConsumeJTI(ctx, r.TenantID, claims.JTI, claims.Action, claims.Resource, claims.Expiry())
	if err != nil {
		observability.RecordTokenVerification("error")
		return textx.CleanErrorMessage("policy token replay check failed: "+err.Error(), maxReasonLen)
	}
	if !ok {
		observability.RecordTokenVerification("replayed")
		return policytoken.Replayed(claims.JTI).Error()
	}
	observability.RecordTokenVerification("ok")
	return ""
}

// writeRun upserts the bundle run row. The manifest is the authoritative
// record; a lost row is logged, never fatal.
func (x *BundleExecutor) writeRun(ctx context.Context, b domain.JobRequestBundle, jc *worker.JobContext, status domain.BundleRunStatus, summary domain.BundleSummary) {
	if b.BundleID == "" || b.TenantID == "" || b.TenantID != jc.TenantID {
		return
	}
	run := domain.BundleRun{
		BundleID:  b.BundleID,
		TenantID:  b.TenantID,
		ProjectID: b.ProjectID,
		TraceID:   b.TraceID,
		JobID:     jc.JobID,
		Status:    status,
		Summary:   summary,
	}
	if err := x.Runs.UpsertBundleRun(ctx, run); err != nil {
		jc.Logger.Warn("bundle run row write failed",
			slog.String("bundle_id", b.BundleID),
			slog.String("status", string(status)),
			slog.Any("error", err))
	}
}

func summaryMetrics(s domain.BundleSummary) map[string]float64 {
	success := 0.0
	if s.Success() {
		success = 1.0
	}
	return map[string]float64{
		"total":               float64(s.Total),
		"accepted":            float64(s.Accepted),
		"duplicates":          float64(s.Duplicates),
		"denied":              float64(s.Denied),
		"errors":              float64(s.Errors),
		"action_jobs_blocked": float64(s.ActionJobsBlocked),
		"success":             success,
	}
}

// executorEnqueueInput builds the enqueue input for one executor job. The
// idempotency key binds bundle and mode so dry_run and execute of the same
// bundle stay distinct jobs.
func executorEnqueueInput(b domain.JobRequestBundle, mode domain.ExecutionMode, policyToken string) (domain.EnqueueInput, error) {
	payload, err := executorPayload(b, mode, policyToken)
	if err != nil {
		return domain.EnqueueInput{}, err
	}
	return domain.EnqueueInput{
		TenantID:       b.TenantID,
		ProjectID:      b.ProjectID,
		Type:           domain.BundleExecutorJobType,
		Payload:        payload,
		IdempotencyKey: "bundle:" + b.BundleID + ":" + string(mode),
		TraceID:        b.TraceID,
	}, nil
}

func executorPayload(b domain.JobRequestBundle, mode domain.ExecutionMode, policyToken string) (map[string]any, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	payload := map[string]any{"bundle": asMap, "mode": string(mode)}
	if policyToken != "" {
		payload["policy_token"] = policyToken
	}
	return payload, nil
}

// decodeExecutorPayload is the inverse of executorPayload, validating the
// envelope around the bundle.
func decodeExecutorPayload(payload map[string]any) (domain.JobRequestBundle, domain.ExecutionMode, string, error) {
	var issues []domain.Issue

	mode, _ := payload["mode"].(string)
	em := domain.ExecutionMode(mode)
	if em != domain.ModeDryRun && em != domain.ModeExecute {
		issues = append(issues, domain.Issue{Field: "mode", Code: "invalid", Message: "mode must be dry_run or execute"})
	}
	token, _ := payload["policy_token"].(string)

	var bundle domain.JobRequestBundle
	rawBundle, ok := payload["bundle"]
	if !ok {
		issues = append(issues, domain.Issue{Field: "bundle", Code: "required", Message: "bundle is required"})
	} else {
		raw, err := json.Marshal(rawBundle)
		if err == nil {
			err = json.Unmarshal(raw, &bundle)
		}
		if err != nil {
			issues = append(issues, domain.Issue{Field: "bundle", Code: "invalid", Message: "bundle does not decode: " + err.Error()})
		}
	}
	if len(issues) > 0 {
		return domain.JobRequestBundle{}, "", "", domain.NewValidationError(issues)
	}
	return bundle, em, token, nil
}
