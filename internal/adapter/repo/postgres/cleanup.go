package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService enforces data retention. Terminal jobs, their attempts
// (FK cascade), manifests, evidence, and events age out after
// RetentionDays; consumed policy tokens go as soon as they expire.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes data older than the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	deletedJobs, err := s.exec(ctx,
		`DELETE FROM jobs
		  WHERE status IN ('succeeded','failed','dead','canceled') AND updated_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.jobs: %w", err)
	}

	deletedManifests, err := s.exec(ctx,
		`DELETE FROM run_manifests WHERE created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.manifests: %w", err)
	}

	deletedEvidence, err := s.exec(ctx,
		`DELETE FROM evidence_packets WHERE ended_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.evidence: %w", err)
	}

	deletedEvents, err := s.exec(ctx,
		`DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.events: %w", err)
	}

	deletedEvaluations, err := s.exec(ctx,
		`DELETE FROM trigger_evaluations WHERE created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.trigger_evaluations: %w", err)
	}

	deletedTokens, err := s.exec(ctx,
		`DELETE FROM policy_token_used WHERE exp < $1`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=cleanup.policy_tokens: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int64("deleted_manifests", deletedManifests),
		slog.Int64("deleted_evidence", deletedEvidence),
		slog.Int64("deleted_events", deletedEvents),
		slog.Int64("deleted_evaluations", deletedEvaluations),
		slog.Int64("deleted_tokens", deletedTokens),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

func (s *CleanupService) exec(ctx context.Context, q string, arg any) (int64, error) {
	tag, err := s.Pool.Exec(ctx, q, arg)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
