package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fairyhunter13/jobforge/internal/domain"
)

// JobContext carries a job's identity into its handler, plus the hooks a
// handler may call back through: manual heartbeats for long CPU-bound
// stretches, an evidence reference for the attempt record, and a result
// reference for the succeeded job row.
type JobContext struct {
	JobID          string
	TenantID       string
	ProjectID      *string
	Type           string
	AttemptNo      int
	MaxAttempts    int
	TraceID        string
	WorkerID       string
	IsActionJob    bool
	RequiredScopes []string
	Logger         *slog.Logger

	heartbeat func(ctx context.Context) (bool, error)

	mu          sync.Mutex
	evidenceRef *string
	resultRef   string
}

// Heartbeat refreshes the claim immediately, outside the background ticker.
// Returns ErrConflict when the claim was lost; the handler should stop work.
func (jc *JobContext) Heartbeat(ctx context.Context) error {
	if jc.heartbeat == nil {
		return nil
	}
	ok, err := jc.heartbeat(ctx)
	if err != nil {
		return fmt.Errorf("op=worker.heartbeat: %w", err)
	}
	if !ok {
		return fmt.Errorf("op=worker.heartbeat: claim lost: %w", domain.ErrConflict)
	}
	return nil
}

// AttachEvidence records the evidence packet id for the attempt row. The
// last attached id wins.
func (jc *JobContext) AttachEvidence(evidenceID string) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.evidenceRef = &evidenceID
}

// EvidenceRef returns the attached evidence id, nil when none.
func (jc *JobContext) EvidenceRef() *string {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.evidenceRef
}

// SetResultRef names the result recorded on the job row. Empty defaults to
// the job id.
func (jc *JobContext) SetResultRef(ref string) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.resultRef = ref
}

// ResultRef returns the handler-chosen result reference.
func (jc *JobContext) ResultRef() string {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.resultRef
}
