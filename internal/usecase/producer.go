// Package usecase contains the application services: the producer surface
// the HTTP API exposes, the bundle executor the worker runs, and the
// trigger evaluator that turns events into bundle submissions.
package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/jobforge/internal/adapter/observability"
	"github.com/fairyhunter13/jobforge/internal/config"
	"github.com/fairyhunter13/jobforge/internal/domain"
	"github.com/fairyhunter13/jobforge/pkg/canonjson"
)

// TriggerEvaluator runs bundle trigger evaluation for a submitted event.
type TriggerEvaluator interface {
	EvaluateEvent(ctx domain.Context, e domain.Event) ([]domain.TriggerEvaluation, error)
}

// ProducerService is the enqueue-side API: jobs, events, bundles, and
// read access to manifests and artifacts.
type ProducerService struct {
	Queue     domain.JobQueue
	Manifests domain.ManifestStore
	Events    domain.EventStore
	Runs      domain.BundleRunStore
	Triggers  TriggerEvaluator
	Flags     config.FlagSource
}

// NewProducerService constructs a ProducerService. Triggers may be nil when
// trigger evaluation is not wired.
func NewProducerService(queue domain.JobQueue, manifests domain.ManifestStore, events domain.EventStore, runs domain.BundleRunStore, triggers TriggerEvaluator, flags config.FlagSource) ProducerService {
	return ProducerService{Queue: queue, Manifests: manifests, Events: events, Runs: runs, Triggers: triggers, Flags: flags}
}

// EnqueueJob validates the input and upserts the job by idempotency key.
// created is false when an existing job matched.
func (s ProducerService) EnqueueJob(ctx domain.Context, in domain.EnqueueInput) (domain.Job, bool, error) {
	if issues := in.Validate(); domain.HasErrors(issues) {
		return domain.Job{}, false, fmt.Errorf("op=usecase.enqueue_job: %w", domain.NewValidationError(issues))
	}
	if in.TraceID == "" {
		in.TraceID = ulid.Make().String()
	}
	job, created, err := s.Queue.Enqueue(ctx, in)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=usecase.enqueue_job: %w", err)
	}
	if created {
		observability.EnqueueJob(job.Type)
		slog.Info("job enqueued",
			slog.String("job_id", job.ID),
			slog.String("job_type", job.Type),
			slog.String("tenant_id", job.TenantID),
			slog.String("trace_id", job.TraceID))
	} else {
		slog.Info("enqueue matched existing job",
			slog.String("job_id", job.ID),
			slog.String("job_type", job.Type),
			slog.String("tenant_id", job.TenantID),
			slog.String("idempotency_key", in.IdempotencyKey))
	}
	return job, created, nil
}

// SubmitEvent persists the event and, when bundle triggers are enabled, runs
// trigger evaluation. Evaluation failures never fail the submission.
func (s ProducerService) SubmitEvent(ctx domain.Context, e domain.Event) (domain.Event, error) {
	if issues := e.Validate(); domain.HasErrors(issues) {
		return domain.Event{}, fmt.Errorf("op=usecase.submit_event: %w", domain.NewValidationError(issues))
	}
	if e.TraceID == "" {
		e.TraceID = ulid.Make().String()
	}
	stored, err := s.Events.InsertEvent(ctx, e)
	if err != nil {
		return domain.Event{}, fmt.Errorf("op=usecase.submit_event: %w", err)
	}
	slog.Info("event submitted",
		slog.String("event_id", stored.ID),
		slog.String("event_type", stored.EventType),
		slog.String("tenant_id", stored.TenantID),
		slog.String("trace_id", stored.TraceID))

	if s.Triggers != nil && s.Flags.BundleTriggersEnabled() {
		if _, err := s.Triggers.EvaluateEvent(ctx, stored); err != nil {
			slog.Error("trigger evaluation failed",
				slog.String("event_id", stored.ID),
				slog.String("tenant_id", stored.TenantID),
				slog.Any("error", err))
		}
	}
	return stored, nil
}

// JobRequest is the requestJob input: a template key plus its inputs, with
// the idempotency key derived from them.
type JobRequest struct {
	TenantID    string
	TemplateKey string
	Inputs      map[string]any
	ProjectID   *string
	TraceID     string
	ActorID     string
	DryRun      bool
}

// JobRequestResult reports what requestJob did. Job is nil on dry runs.
type JobRequestResult struct {
	Job     *domain.Job
	Created bool
	TraceID string
}

// RequestJob is sugar over EnqueueJob: the template key becomes the job
// type, the inputs become the payload, and the idempotency key is the hash
// of the canonical inputs so identical requests collapse to one job. A dry
// run validates and returns without enqueueing.
func (s ProducerService) RequestJob(ctx domain.Context, req JobRequest) (JobRequestResult, error) {
	traceID := req.TraceID
	if traceID == "" {
		traceID = ulid.Make().String()
	}
	key, err := requestIdempotencyKey(req)
	if err != nil {
		return JobRequestResult{}, fmt.Errorf("op=usecase.request_job: %w", err)
	}
	in := domain.EnqueueInput{
		TenantID:       req.TenantID,
		ProjectID:      req.ProjectID,
		Type:           req.TemplateKey,
		Payload:        req.Inputs,
		IdempotencyKey: key,
		TraceID:        traceID,
	}
	if issues := in.Validate(); domain.HasErrors(issues) {
		return JobRequestResult{}, fmt.Errorf("op=usecase.request_job: %w", domain.NewValidationError(issues))
	}
	if req.DryRun {
		slog.Info("job request dry run",
			slog.String("template_key", req.TemplateKey),
			slog.String("tenant_id", req.TenantID),
			slog.String("actor_id", req.ActorID),
			slog.String("trace_id", traceID))
		return JobRequestResult{TraceID: traceID}, nil
	}
	job, created, err := s.EnqueueJob(ctx, in)
	if err != nil {
		return JobRequestResult{}, err
	}
	if req.ActorID != "" {
		slog.Info("job requested",
			slog.String("job_id", job.ID),
			slog.String("actor_id", req.ActorID),
			slog.String("trace_id", traceID))
	}
	return JobRequestResult{Job: &job, Created: created, TraceID: traceID}, nil
}

// BundleSubmission reports the executor job backing a submitted bundle.
type BundleSubmission struct {
	JobID    string
	BundleID string
	Created  bool
}

// SubmitBundle validates the bundle and enqueues one executor job for it.
// Requires AUTOPILOT_JOBS_ENABLED; re-submitting the same bundle and mode
// matches the existing executor job.
func (s ProducerService) SubmitBundle(ctx domain.Context, bundle domain.JobRequestBundle, mode domain.ExecutionMode, policyToken string) (BundleSubmission, error) {
	if !s.Flags.AutopilotJobsEnabled() {
		return BundleSubmission{}, fmt.Errorf("op=usecase.submit_bundle: autopilot jobs disabled: %w", domain.ErrForbidden)
	}
	if mode != domain.ModeDryRun && mode != domain.ModeExecute {
		return BundleSubmission{}, fmt.Errorf("op=usecase.submit_bundle: %w", domain.NewValidationError([]domain.Issue{
			{Field: "mode", Code: "invalid", Message: "mode must be dry_run or execute"},
		}))
	}
	if issues := bundle.Validate(); domain.HasErrors(issues) {
		return BundleSubmission{}, fmt.Errorf("op=usecase.submit_bundle: %w", domain.NewValidationError(issues))
	}
	if bundle.TraceID == "" {
		bundle.TraceID = ulid.Make().String()
	}
	in, err := executorEnqueueInput(bundle, mode, policyToken)
	if err != nil {
		return BundleSubmission{}, fmt.Errorf("op=usecase.submit_bundle: %w", err)
	}
	job, created, err := s.Queue.Enqueue(ctx, in)
	if err != nil {
		return BundleSubmission{}, fmt.Errorf("op=usecase.submit_bundle: %w", err)
	}
	if created {
		observability.EnqueueJob(job.Type)
		// The executor owns the pending→complete/failed arc; losing this
		// advisory row must not fail an already-enqueued bundle.
		run := domain.BundleRun{
			BundleID:  bundle.BundleID,
			TenantID:  bundle.TenantID,
			ProjectID: bundle.ProjectID,
			TraceID:   bundle.TraceID,
			JobID:     job.ID,
			Status:    domain.BundleRunPending,
		}
		if err := s.Runs.UpsertBundleRun(ctx, run); err != nil {
			slog.Warn("bundle run row write failed",
				slog.String("bundle_id", bundle.BundleID),
				slog.String("tenant_id", bundle.TenantID),
				slog.Any("error", err))
		}
	}
	slog.Info("bundle submitted",
		slog.String("bundle_id", bundle.BundleID),
		slog.String("tenant_id", bundle.TenantID),
		slog.String("job_id", job.ID),
		slog.String("mode", string(mode)),
		slog.Int("requests", len(bundle.Requests)),
		slog.Bool("created", created))
	return BundleSubmission{JobID: job.ID, BundleID: bundle.BundleID, Created: created}, nil
}

// GetJob loads one job scoped to its tenant.
func (s ProducerService) GetJob(ctx domain.Context, tenantID, jobID string) (domain.Job, error) {
	if tenantID == "" || jobID == "" {
		return domain.Job{}, fmt.Errorf("op=usecase.get_job: tenant_id and id required: %w", domain.ErrValidation)
	}
	job, err := s.Queue.Get(ctx, tenantID, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=usecase.get_job: %w", err)
	}
	return job, nil
}

// ListJobs returns a tenant's jobs, newest first, narrowed by the filter.
func (s ProducerService) ListJobs(ctx domain.Context, tenantID string, f domain.JobFilter) ([]domain.Job, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("op=usecase.list_jobs: tenant_id required: %w", domain.ErrValidation)
	}
	if f.Status != nil && !domain.ValidJobStatus(string(*f.Status)) {
		return nil, fmt.Errorf("op=usecase.list_jobs: %w", domain.NewValidationError([]domain.Issue{
			{Field: "status", Code: "invalid", Message: "unknown job status"},
		}))
	}
	jobs, err := s.Queue.List(ctx, tenantID, f)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.list_jobs: %w", err)
	}
	return jobs, nil
}

// CancelJob cancels a job; returns false when it was already terminal.
func (s ProducerService) CancelJob(ctx domain.Context, tenantID, jobID, reason string) (bool, error) {
	if tenantID == "" || jobID == "" {
		return false, fmt.Errorf("op=usecase.cancel_job: tenant_id and id required: %w", domain.ErrValidation)
	}
	canceled, err := s.Queue.Cancel(ctx, tenantID, jobID, reason)
	if err != nil {
		return false, fmt.Errorf("op=usecase.cancel_job: %w", err)
	}
	if canceled {
		slog.Info("job canceled",
			slog.String("job_id", jobID),
			slog.String("tenant_id", tenantID),
			slog.String("reason", reason))
	}
	return canceled, nil
}

// RescheduleJob moves a pending job's available_at; returns false when the
// job is not pending.
func (s ProducerService) RescheduleJob(ctx domain.Context, tenantID, jobID string, at time.Time) (bool, error) {
	if tenantID == "" || jobID == "" {
		return false, fmt.Errorf("op=usecase.reschedule_job: tenant_id and id required: %w", domain.ErrValidation)
	}
	if at.IsZero() {
		return false, fmt.Errorf("op=usecase.reschedule_job: %w", domain.NewValidationError([]domain.Issue{
			{Field: "available_at", Code: "required", Message: "available_at is required"},
		}))
	}
	moved, err := s.Queue.Reschedule(ctx, tenantID, jobID, at)
	if err != nil {
		return false, fmt.Errorf("op=usecase.reschedule_job: %w", err)
	}
	return moved, nil
}

// GetRunManifest loads the manifest written for a run, scoped to its tenant.
func (s ProducerService) GetRunManifest(ctx domain.Context, tenantID, runID string) (domain.RunManifest, error) {
	if tenantID == "" || runID == "" {
		return domain.RunManifest{}, fmt.Errorf("op=usecase.get_run_manifest: tenant_id and run_id required: %w", domain.ErrValidation)
	}
	m, err := s.Manifests.GetManifest(ctx, tenantID, runID)
	if err != nil {
		return domain.RunManifest{}, fmt.Errorf("op=usecase.get_run_manifest: %w", err)
	}
	return m, nil
}

// ArtifactList is the listArtifacts response.
type ArtifactList struct {
	Items      []domain.ArtifactDescriptor `json:"items"`
	TotalCount int                         `json:"total_count"`
}

// ListArtifacts returns the artifacts a run's manifest declares.
func (s ProducerService) ListArtifacts(ctx domain.Context, tenantID, runID string) (ArtifactList, error) {
	m, err := s.GetRunManifest(ctx, tenantID, runID)
	if err != nil {
		return ArtifactList{}, err
	}
	items := m.Outputs
	if items == nil {
		items = []domain.ArtifactDescriptor{}
	}
	return ArtifactList{Items: items, TotalCount: len(items)}, nil
}

// requestIdempotencyKey hashes the request identity so identical inputs
// always land on the same job.
func requestIdempotencyKey(req JobRequest) (string, error) {
	h, err := canonjson.Hash(map[string]any{
		"tenant_id":    req.TenantID,
		"template_key": req.TemplateKey,
		"inputs":       req.Inputs,
	})
	if err != nil {
		return "", fmt.Errorf("inputs not hashable: %s: %w", err, domain.ErrValidation)
	}
	return "request:" + h, nil
}
