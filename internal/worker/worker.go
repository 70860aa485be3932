// Package worker is the job execution runtime: it polls the store for due
// jobs, claims them in batches, runs one goroutine per job bounded by an
// in-flight semaphore, keeps each claim alive with heartbeats, and reports
// every outcome through the store procedures. Jobs whose heartbeat is
// rejected are abandoned without a report; the reaper owns their recovery.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/jobforge/internal/adapter/observability"
	"github.com/fairyhunter13/jobforge/internal/config"
	"github.com/fairyhunter13/jobforge/internal/domain"
	obsctx "github.com/fairyhunter13/jobforge/internal/observability"
	"github.com/fairyhunter13/jobforge/pkg/textx"
)

// reportTimeout bounds the complete/fail store call made after a handler
// returns. It uses a fresh context because the job context may already be
// canceled.
const reportTimeout = 10 * time.Second

// maxFailureMessageLen bounds error text recorded on attempt rows.
const maxFailureMessageLen = 512

// Options configure a Worker. Zero values take the documented defaults.
type Options struct {
	WorkerID string
	// TenantID pins claims to one tenant; nil claims across all tenants.
	TenantID          *string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ClaimLimit        int
	MaxInFlight       int
	DrainDeadline     time.Duration
}

// OptionsFromConfig maps the environment surface onto worker options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		WorkerID:          cfg.WorkerID,
		PollInterval:      cfg.PollInterval(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		ClaimLimit:        cfg.ClaimLimit,
		MaxInFlight:       cfg.EffectiveMaxInFlight(),
		DrainDeadline:     cfg.DrainDeadline(),
	}
}

// Worker claims and executes jobs until its run context is canceled.
type Worker struct {
	queue    domain.JobQueue
	registry *Registry

	workerID          string
	tenantID          *string
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	claimLimit        int
	maxInFlight       int
	drainDeadline     time.Duration

	sem      chan struct{}
	wg       sync.WaitGroup
	failures *observability.FailureRateMonitor

	// jobsCtx outlives the run context so in-flight handlers keep running
	// during the drain window; jobsCancel fires when the window expires.
	jobsCtx    context.Context
	jobsCancel context.CancelFunc
}

// New wires a worker around a queue and a handler registry.
func New(queue domain.JobQueue, registry *Registry, opts Options) *Worker {
	if opts.WorkerID == "" {
		opts.WorkerID = "worker-" + ulid.Make().String()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.ClaimLimit <= 0 {
		opts.ClaimLimit = 10
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = opts.ClaimLimit
	}
	if opts.DrainDeadline <= 0 {
		opts.DrainDeadline = 30 * time.Second
	}
	jobsCtx, jobsCancel := context.WithCancel(context.Background())
	return &Worker{
		queue:             queue,
		registry:          registry,
		workerID:          opts.WorkerID,
		tenantID:          opts.TenantID,
		pollInterval:      opts.PollInterval,
		heartbeatInterval: opts.HeartbeatInterval,
		claimLimit:        opts.ClaimLimit,
		maxInFlight:       opts.MaxInFlight,
		drainDeadline:     opts.DrainDeadline,
		sem:               make(chan struct{}, opts.MaxInFlight),
		failures:          observability.NewFailureRateMonitor(20, 0.5),
		jobsCtx:           jobsCtx,
		jobsCancel:        jobsCancel,
	}
}

// WorkerID returns the id this worker claims under.
func (w *Worker) WorkerID() string { return w.workerID }

// InFlight returns the number of jobs currently executing.
func (w *Worker) InFlight() int { return len(w.sem) }

// Run polls and executes until ctx is canceled, then drains in-flight jobs
// up to the drain deadline. Jobs still running at the deadline have their
// contexts canceled and stay claimed for the reaper.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker started",
		slog.String("worker_id", w.workerID),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Int("claim_limit", w.claimLimit),
		slog.Int("max_in_flight", w.maxInFlight),
		slog.Any("handlers", w.registry.Types()))

	for {
		select {
		case <-ctx.Done():
			return w.drain()
		default:
		}

		batch := w.claimLimit
		if free := w.maxInFlight - len(w.sem); batch > free {
			batch = free
		}
		if batch <= 0 {
			if !sleepCtx(ctx, w.pollInterval) {
				return w.drain()
			}
			continue
		}

		jobs, err := w.queue.Claim(ctx, w.tenantID, w.workerID, batch)
		if err != nil {
			if ctx.Err() != nil {
				return w.drain()
			}
			slog.Error("claim failed", slog.String("worker_id", w.workerID), slog.Any("error", err))
			if !sleepCtx(ctx, w.pollInterval) {
				return w.drain()
			}
			continue
		}
		for i := range jobs {
			w.dispatch(jobs[i])
		}
		if len(jobs) == 0 {
			if !sleepCtx(ctx, w.pollInterval) {
				return w.drain()
			}
		}
		// A non-empty batch loops straight back for more work.
	}
}

// RunOnce claims one batch, runs it to completion, and returns. No jobs
// available is not an error.
func (w *Worker) RunOnce(ctx context.Context) error {
	batch := w.claimLimit
	if batch > w.maxInFlight {
		batch = w.maxInFlight
	}
	jobs, err := w.queue.Claim(ctx, w.tenantID, w.workerID, batch)
	if err != nil {
		return fmt.Errorf("op=worker.claim: %w", err)
	}
	if len(jobs) == 0 {
		slog.Info("no jobs available", slog.String("worker_id", w.workerID))
		return nil
	}
	slog.Info("claimed jobs", slog.String("worker_id", w.workerID), slog.Int("count", len(jobs)))
	for i := range jobs {
		w.dispatch(jobs[i])
	}
	w.wg.Wait()
	return nil
}

func (w *Worker) dispatch(job domain.Job) {
	observability.ClaimJob(job.Type)
	w.sem <- struct{}{}
	w.wg.Add(1)
	go w.execute(job)
}

func (w *Worker) drain() error {
	inFlight := len(w.sem)
	if inFlight == 0 {
		w.jobsCancel()
		slog.Info("worker stopped", slog.String("worker_id", w.workerID))
		return nil
	}
	slog.Info("worker draining",
		slog.String("worker_id", w.workerID),
		slog.Int("in_flight", inFlight),
		slog.Duration("deadline", w.drainDeadline))

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("drain complete", slog.String("worker_id", w.workerID))
	case <-time.After(w.drainDeadline):
		slog.Warn("drain deadline expired; remaining jobs stay claimed for the reaper",
			slog.String("worker_id", w.workerID),
			slog.Int("in_flight", len(w.sem)))
	}
	w.jobsCancel()
	return nil
}

// execute runs one claimed job end to end.
func (w *Worker) execute(job domain.Job) {
	defer w.wg.Done()
	defer func() { <-w.sem }()

	start := time.Now()
	traceID := resolveTraceID(job)

	lg := slog.Default().With(
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.String("tenant_id", job.TenantID),
		slog.Int("attempt_no", job.AttemptNo),
		slog.String("trace_id", traceID),
		slog.String("worker_id", w.workerID))

	ctx := obsctx.ContextWithTenantID(w.jobsCtx, job.TenantID)
	ctx = obsctx.ContextWithLogger(ctx, lg)
	tracer := otel.Tracer("worker.runner")
	ctx, span := tracer.Start(ctx, "Worker.ExecuteJob")
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", job.Type),
		attribute.Int("job.attempt", job.AttemptNo),
	)
	defer span.End()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jc := &JobContext{
		JobID:          job.ID,
		TenantID:       job.TenantID,
		ProjectID:      job.ProjectID,
		Type:           job.Type,
		AttemptNo:      job.AttemptNo,
		MaxAttempts:    job.MaxAttempts,
		TraceID:        traceID,
		WorkerID:       w.workerID,
		IsActionJob:    job.IsActionJob,
		RequiredScopes: job.RequiredScopes,
		Logger:         lg,
		heartbeat: func(hctx context.Context) (bool, error) {
			return w.queue.Heartbeat(hctx, job.TenantID, job.ID, w.workerID)
		},
	}

	handler, ok := w.registry.Get(job.Type)
	if !ok {
		lg.Error("no handler registered for job type")
		observability.StartProcessingJob(job.Type)
		w.reportFailure(job, jc, start,
			fmt.Errorf("op=worker.execute: no handler registered for job type %q: %w", job.Type, domain.ErrValidation))
		return
	}

	started, err := w.queue.Start(ctx, job.TenantID, job.ID, w.workerID)
	if err != nil {
		lg.Error("start failed; leaving job claimed for the reaper", slog.Any("error", err))
		return
	}
	if !started {
		lg.Warn("claim lost before start; abandoning")
		return
	}
	observability.StartProcessingJob(job.Type)
	lg.Info("job started")

	var lost atomic.Bool
	hbDone := make(chan struct{})
	go w.heartbeatLoop(ctx, job, cancel, &lost, hbDone, lg)

	draft, handlerErr := invoke(ctx, handler, job.Payload, jc)
	cancel()
	<-hbDone

	switch {
	case lost.Load():
		lg.Warn("claim lost mid-run; abandoning without report")
		observability.JobsInFlight.WithLabelValues(job.Type).Dec()
	case w.jobsCtx.Err() != nil && handlerErr != nil && errors.Is(handlerErr, context.Canceled):
		lg.Warn("drain deadline expired; job left claimed for the reaper")
		observability.JobsInFlight.WithLabelValues(job.Type).Dec()
	case handlerErr != nil:
		w.reportFailure(job, jc, start, handlerErr)
	default:
		w.reportSuccess(job, jc, start, draft, lg)
	}
}

// invoke shields the worker from handler panics; a panic fails the attempt
// as permanent.
func invoke(ctx context.Context, h Handler, payload map[string]any, jc *JobContext) (draft domain.ManifestDraft, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("op=worker.execute: handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, payload, jc)
}

// heartbeatLoop keeps the claim alive until the job context ends. A rejected
// heartbeat cancels the handler; store errors are tolerated and retried on
// the next tick.
func (w *Worker) heartbeatLoop(ctx context.Context, job domain.Job, cancel context.CancelFunc, lost *atomic.Bool, done chan<- struct{}, lg *slog.Logger) {
	defer close(done)
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hctx, hcancel := context.WithTimeout(context.Background(), reportTimeout)
			ok, err := w.queue.Heartbeat(hctx, job.TenantID, job.ID, w.workerID)
			hcancel()
			if err != nil {
				lg.Warn("heartbeat error", slog.Any("error", err))
				continue
			}
			if !ok {
				lost.Store(true)
				lg.Warn("heartbeat rejected; canceling handler")
				cancel()
				return
			}
		}
	}
}

func (w *Worker) reportSuccess(job domain.Job, jc *JobContext, start time.Time, draft domain.ManifestDraft, lg *slog.Logger) {
	manifest := domain.RunManifest{
		Outputs:        draft.Outputs,
		Metrics:        draft.Metrics,
		EnvFingerprint: draft.EnvFingerprint,
		ToolVersions:   draft.ToolVersions,
	}
	rctx, rcancel := context.WithTimeout(context.Background(), reportTimeout)
	defer rcancel()
	if err := w.queue.Complete(rctx, job.TenantID, job.ID, w.workerID, jc.ResultRef(), manifest); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			lg.Warn("claim lost at completion; abandoning", slog.Any("error", err))
		} else {
			lg.Error("complete failed; job stays claimed for the reaper", slog.Any("error", err))
		}
		observability.JobsInFlight.WithLabelValues(job.Type).Dec()
		return
	}
	observability.CompleteJob(job.Type, time.Since(start))
	w.failures.Record(job.Type, false)
	lg.Info("job succeeded", slog.Duration("duration", time.Since(start)))
}

func (w *Worker) reportFailure(job domain.Job, jc *JobContext, start time.Time, handlerErr error) {
	lg := jc.Logger
	kind := domain.ClassifyError(handlerErr)
	retryable := kind.Retryable()
	msg := textx.CleanErrorMessage(handlerErr.Error(), maxFailureMessageLen)

	rctx, rcancel := context.WithTimeout(context.Background(), reportTimeout)
	defer rcancel()
	updated, err := w.queue.Fail(rctx, job.TenantID, job.ID, w.workerID, kind, msg, retryable, jc.EvidenceRef())
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			lg.Warn("claim lost at failure report; abandoning", slog.Any("error", err))
		} else {
			lg.Error("fail report failed; job stays claimed for the reaper", slog.Any("error", err))
		}
		observability.JobsInFlight.WithLabelValues(job.Type).Dec()
		return
	}
	observability.FailJob(job.Type, string(kind), time.Since(start))
	w.failures.Record(job.Type, true)
	switch updated.Status {
	case domain.JobPending:
		lg.Warn("job failed; retry scheduled",
			slog.String("error_kind", string(kind)),
			slog.String("error", msg),
			slog.Time("available_at", updated.AvailableAt))
	case domain.JobDead:
		observability.DeadJob(job.Type)
		lg.Error("job dead; retry budget exhausted",
			slog.String("error_kind", string(kind)),
			slog.String("error", msg))
	default:
		lg.Error("job failed permanently",
			slog.String("error_kind", string(kind)),
			slog.String("error", msg))
	}
}

// resolveTraceID prefers the job row's trace, then the payload side-band,
// then mints a fresh one so every attempt is traceable.
func resolveTraceID(job domain.Job) string {
	if job.TraceID != "" {
		return job.TraceID
	}
	if v, ok := job.Payload[domain.TraceContextKey].(string); ok && v != "" {
		return v
	}
	return ulid.Make().String()
}

// sleepCtx sleeps d unless ctx ends first; reports whether the full sleep
// elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
