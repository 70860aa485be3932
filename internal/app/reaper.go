package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/jobforge/internal/adapter/observability"
	"github.com/fairyhunter13/jobforge/internal/domain"
)

// Reaper requeues claimed or running jobs whose worker stopped heartbeating.
// A reaped delivery counts as an attempt, so a job that keeps killing its
// worker still drains to dead instead of looping forever.
type Reaper struct {
	queue      domain.JobQueue
	staleAfter time.Duration
	interval   time.Duration
}

// NewReaper builds a reaper with sane defaults. A nil queue yields a nil
// reaper whose Run is a no-op.
func NewReaper(queue domain.JobQueue, staleAfter, interval time.Duration) *Reaper {
	if queue == nil {
		return nil
	}
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		queue:      queue,
		staleAfter: staleAfter,
		interval:   interval,
	}
}

// Run sweeps immediately and then on every tick until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	if r == nil || r.queue == nil {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("job reaper stopping")
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.reaper")
	ctx, span := tracer.Start(ctx, "Reaper.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("jobs.stale_after_seconds", r.staleAfter.Seconds()))

	n, err := r.queue.ReapStuck(ctx, r.staleAfter)
	if err != nil {
		span.RecordError(err)
		slog.Error("job reap failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.reaped", n))
	if n > 0 {
		observability.ReapJobs(n)
		slog.Info("requeued stale jobs",
			slog.Int("count", n),
			slog.Duration("stale_after", r.staleAfter))
	}
}
