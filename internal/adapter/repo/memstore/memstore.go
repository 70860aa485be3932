// Package memstore is a process-local store implementing every persistence
// port. It backs single-process development and the worker/usecase tests;
// semantics mirror the jobforge_* procedures in the postgres migrations.
package memstore

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/jobforge/internal/domain"
	"github.com/fairyhunter13/jobforge/pkg/canonjson"
)

type idemKey struct{ tenant, jobType, key string }
type tenantKey struct{ tenant, id string }

// Store holds all state behind one mutex. Safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	now   func() time.Time
	rng   *rand.Rand
	retry domain.RetryPolicy

	jobs        map[string]*domain.Job
	idemIndex   map[idemKey]string
	attempts    map[string][]domain.JobAttempt
	manifests   map[tenantKey]domain.RunManifest
	events      map[tenantKey]domain.Event
	evidence    map[tenantKey]domain.EvidencePacket
	usedJTIs    map[tenantKey]time.Time
	rules       map[tenantKey]domain.BundleTriggerRule
	ruleByName  map[tenantKey]string
	evaluations []domain.TriggerEvaluation
	bundleRuns  map[tenantKey]domain.BundleRun
}

// New returns an empty store using the wall clock.
func New() *Store {
	return &Store{
		now:        time.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		retry:      domain.DefaultQueueRetryPolicy(),
		jobs:       map[string]*domain.Job{},
		idemIndex:  map[idemKey]string{},
		attempts:   map[string][]domain.JobAttempt{},
		manifests:  map[tenantKey]domain.RunManifest{},
		events:     map[tenantKey]domain.Event{},
		evidence:   map[tenantKey]domain.EvidencePacket{},
		usedJTIs:   map[tenantKey]time.Time{},
		rules:      map[tenantKey]domain.BundleTriggerRule{},
		ruleByName: map[tenantKey]string{},
		bundleRuns: map[tenantKey]domain.BundleRun{},
	}
}

// SetClock replaces the time source. Tests use it to step through backoff
// schedules without sleeping.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Ping reports store health; always healthy in memory.
func (s *Store) Ping(_ domain.Context) error { return nil }

func copyJob(j *domain.Job) domain.Job {
	out := *j
	if j.Payload != nil {
		p := make(map[string]any, len(j.Payload))
		for k, v := range j.Payload {
			p[k] = v
		}
		out.Payload = p
	}
	if j.RequiredScopes != nil {
		out.RequiredScopes = append([]string(nil), j.RequiredScopes...)
	}
	return out
}

// Enqueue mirrors jobforge_enqueue_job: validation, idempotent upsert.
func (s *Store) Enqueue(_ domain.Context, in domain.EnqueueInput) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxAttempts := in.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	switch {
	case in.TenantID == "":
		return domain.Job{}, false, fmt.Errorf("op=memstore.enqueue: tenant_id is required: %w", domain.ErrValidation)
	case in.Type == "":
		return domain.Job{}, false, fmt.Errorf("op=memstore.enqueue: type is required: %w", domain.ErrValidation)
	case in.IdempotencyKey == "":
		return domain.Job{}, false, fmt.Errorf("op=memstore.enqueue: idempotency_key is required: %w", domain.ErrValidation)
	case maxAttempts < 1 || maxAttempts > domain.MaxAttemptsCeiling:
		return domain.Job{}, false, fmt.Errorf("op=memstore.enqueue: max_attempts out of range: %w", domain.ErrValidation)
	case domain.PayloadSize(in.Payload) > domain.MaxPayloadBytes:
		return domain.Job{}, false, fmt.Errorf("op=memstore.enqueue: payload exceeds 64 KiB: %w", domain.ErrValidation)
	}

	key := idemKey{in.TenantID, in.Type, in.IdempotencyKey}
	if id, ok := s.idemIndex[key]; ok {
		return copyJob(s.jobs[id]), false, nil
	}

	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	hash, err := canonjson.Hash(payload)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=memstore.enqueue: %w", err)
	}
	availableAt := in.AvailableAt
	if availableAt.IsZero() {
		availableAt = s.now()
	}
	scopes := in.RequiredScopes
	if scopes == nil {
		scopes = []string{}
	}
	now := s.now()
	j := &domain.Job{
		ID:             uuid.New().String(),
		TenantID:       in.TenantID,
		ProjectID:      in.ProjectID,
		Type:           in.Type,
		Payload:        payload,
		PayloadHash:    hash,
		IdempotencyKey: in.IdempotencyKey,
		Status:         domain.JobPending,
		Priority:       in.Priority,
		MaxAttempts:    maxAttempts,
		AvailableAt:    availableAt.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
		TraceID:        in.TraceID,
		IsActionJob:    in.IsActionJob,
		RequiredScopes: scopes,
	}
	s.jobs[j.ID] = j
	s.idemIndex[key] = j.ID
	return copyJob(j), true, nil
}

// Claim mirrors jobforge_claim_jobs, including its ordering.
func (s *Store) Claim(_ domain.Context, tenantID *string, workerID string, limit int) ([]domain.Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("op=memstore.claim: worker_id is required: %w", domain.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*domain.Job
	for _, j := range s.jobs {
		if j.Status != domain.JobPending || j.AvailableAt.After(now) {
			continue
		}
		if tenantID != nil && j.TenantID != *tenantID {
			continue
		}
		due = append(due, j)
	}
	sort.Slice(due, func(a, b int) bool {
		x, y := due[a], due[b]
		if x.Priority != y.Priority {
			return x.Priority > y.Priority
		}
		if !x.AvailableAt.Equal(y.AvailableAt) {
			return x.AvailableAt.Before(y.AvailableAt)
		}
		if !x.CreatedAt.Equal(y.CreatedAt) {
			return x.CreatedAt.Before(y.CreatedAt)
		}
		return x.ID < y.ID
	})
	if limit < 0 {
		limit = 0
	}
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]domain.Job, 0, len(due))
	for _, j := range due {
		t := now
		j.Status = domain.JobClaimed
		j.ClaimedBy = &workerID
		j.ClaimedAt = &t
		j.HeartbeatAt = &t
		j.AttemptNo++
		j.UpdatedAt = now
		claimed = append(claimed, copyJob(j))
	}
	return claimed, nil
}

// Start moves claimed to running iff workerID holds the claim.
func (s *Store) Start(_ domain.Context, tenantID, jobID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return false, nil
	}
	if j.Status != domain.JobClaimed || j.ClaimedBy == nil || *j.ClaimedBy != workerID {
		return false, nil
	}
	j.Status = domain.JobRunning
	j.UpdatedAt = s.now()
	return true, nil
}

// Heartbeat refreshes liveness; false signals a lost claim.
func (s *Store) Heartbeat(_ domain.Context, tenantID, jobID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return false, nil
	}
	if (j.Status != domain.JobClaimed && j.Status != domain.JobRunning) ||
		j.ClaimedBy == nil || *j.ClaimedBy != workerID {
		return false, nil
	}
	t := s.now()
	j.HeartbeatAt = &t
	j.UpdatedAt = t
	return true, nil
}

func (s *Store) recordAttempt(j *domain.Job, workerID string, outcome domain.AttemptOutcome, kind domain.ErrorKind, message string, evidenceRef *string) {
	started := s.now()
	if j.ClaimedAt != nil {
		started = *j.ClaimedAt
	}
	ended := s.now()
	s.attempts[j.ID] = append(s.attempts[j.ID], domain.JobAttempt{
		ID:           uuid.New().String(),
		JobID:        j.ID,
		TenantID:     j.TenantID,
		AttemptNo:    j.AttemptNo,
		WorkerID:     workerID,
		StartedAt:    started,
		EndedAt:      &ended,
		Outcome:      outcome,
		ErrorKind:    kind,
		ErrorMessage: message,
		EvidenceRef:  evidenceRef,
	})
}

func (s *Store) writeFailedManifest(j *domain.Job, kind domain.ErrorKind, message string) {
	key := tenantKey{j.TenantID, j.ID}
	if _, exists := s.manifests[key]; exists {
		return
	}
	s.manifests[key] = domain.RunManifest{
		RunID:              j.ID,
		TenantID:           j.TenantID,
		ProjectID:          j.ProjectID,
		JobType:            j.Type,
		CreatedAt:          s.now(),
		InputsSnapshotHash: j.PayloadHash,
		Outputs:            []domain.ArtifactDescriptor{},
		Status:             domain.ManifestFailed,
		Error: &domain.ManifestError{
			Kind:    kind,
			Code:    domain.CodeForKind(kind),
			Message: message,
		},
	}
}

// Complete mirrors jobforge_complete_job.
func (s *Store) Complete(_ domain.Context, tenantID, jobID, workerID, resultRef string, manifest domain.RunManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return fmt.Errorf("op=memstore.complete: %w", domain.ErrNotFound)
	}
	if (j.Status != domain.JobClaimed && j.Status != domain.JobRunning) ||
		j.ClaimedBy == nil || *j.ClaimedBy != workerID {
		return fmt.Errorf("op=memstore.complete: job not held by worker: %w", domain.ErrConflict)
	}

	key := tenantKey{j.TenantID, j.ID}
	if _, exists := s.manifests[key]; !exists {
		m := manifest
		m.RunID = j.ID
		m.TenantID = j.TenantID
		m.ProjectID = j.ProjectID
		m.JobType = j.Type
		m.CreatedAt = s.now()
		if m.InputsSnapshotHash == "" {
			m.InputsSnapshotHash = j.PayloadHash
		}
		if m.Outputs == nil {
			m.Outputs = []domain.ArtifactDescriptor{}
		}
		m.Status = domain.ManifestComplete
		m.Error = nil
		s.manifests[key] = m
	}
	s.recordAttempt(j, workerID, domain.AttemptSucceeded, "", "", nil)

	ref := resultRef
	if ref == "" {
		ref = j.ID
	}
	j.Status = domain.JobSucceeded
	j.ResultID = &ref
	j.UpdatedAt = s.now()
	return nil
}

// Fail mirrors jobforge_fail_job: retryable failures with budget left are
// rescheduled with jittered backoff, the rest land terminal.
func (s *Store) Fail(_ domain.Context, tenantID, jobID, workerID string, kind domain.ErrorKind, message string, retryable bool, evidenceRef *string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return domain.Job{}, fmt.Errorf("op=memstore.fail: %w", domain.ErrNotFound)
	}
	if (j.Status != domain.JobClaimed && j.Status != domain.JobRunning) ||
		j.ClaimedBy == nil || *j.ClaimedBy != workerID {
		return domain.Job{}, fmt.Errorf("op=memstore.fail: job not held by worker: %w", domain.ErrConflict)
	}

	s.recordAttempt(j, workerID, domain.AttemptFailed, kind, message, evidenceRef)

	if retryable && j.AttemptNo < j.MaxAttempts {
		j.Status = domain.JobPending
		j.AvailableAt = s.now().Add(s.retry.QueueDelay(j.AttemptNo, s.rng.Float64()))
		j.ClaimedBy = nil
		j.ClaimedAt = nil
		j.HeartbeatAt = nil
	} else if retryable {
		j.Status = domain.JobDead
		s.writeFailedManifest(j, kind, message)
	} else {
		j.Status = domain.JobFailed
		s.writeFailedManifest(j, kind, message)
	}
	j.UpdatedAt = s.now()
	return copyJob(j), nil
}

// ReapStuck requeues claimed/running jobs with stale heartbeats.
func (s *Store) ReapStuck(_ domain.Context, staleAfter time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-staleAfter)
	n := 0
	for _, j := range s.jobs {
		if j.Status != domain.JobClaimed && j.Status != domain.JobRunning {
			continue
		}
		if j.HeartbeatAt == nil || !j.HeartbeatAt.Before(cutoff) {
			continue
		}
		worker := ""
		if j.ClaimedBy != nil {
			worker = *j.ClaimedBy
		}
		s.recordAttempt(j, worker, domain.AttemptTimedOut, domain.KindTimeout, "heartbeat expired", nil)
		if j.AttemptNo < j.MaxAttempts {
			j.Status = domain.JobPending
			j.AvailableAt = s.now().Add(s.retry.QueueDelay(j.AttemptNo, s.rng.Float64()))
			j.ClaimedBy = nil
			j.ClaimedAt = nil
			j.HeartbeatAt = nil
		} else {
			j.Status = domain.JobDead
			s.writeFailedManifest(j, domain.KindTimeout, "heartbeat expired")
		}
		j.UpdatedAt = s.now()
		n++
	}
	return n, nil
}

// Cancel mirrors jobforge_cancel_job.
func (s *Store) Cancel(_ domain.Context, tenantID, jobID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return false, fmt.Errorf("op=memstore.cancel: %w", domain.ErrNotFound)
	}
	if j.Status.Terminal() {
		return false, nil
	}
	if j.Status == domain.JobClaimed || j.Status == domain.JobRunning {
		worker := ""
		if j.ClaimedBy != nil {
			worker = *j.ClaimedBy
		}
		s.recordAttempt(j, worker, domain.AttemptCancelled, "", reason, nil)
	}
	j.Status = domain.JobCanceled
	j.UpdatedAt = s.now()
	return true, nil
}

// Reschedule moves a pending job's available_at, clamped to now.
func (s *Store) Reschedule(_ domain.Context, tenantID, jobID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return false, fmt.Errorf("op=memstore.reschedule: %w", domain.ErrNotFound)
	}
	if j.Status != domain.JobPending {
		return false, nil
	}
	now := s.now()
	if at.Before(now) {
		at = now
	}
	j.AvailableAt = at.UTC()
	j.UpdatedAt = now
	return true, nil
}

// Get loads one job scoped to its tenant.
func (s *Store) Get(_ domain.Context, tenantID, jobID string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return domain.Job{}, fmt.Errorf("op=memstore.get: %w", domain.ErrNotFound)
	}
	return copyJob(j), nil
}

// List returns tenant jobs newest first.
func (s *Store) List(_ domain.Context, tenantID string, f domain.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Job
	for _, j := range s.jobs {
		if j.TenantID != tenantID {
			continue
		}
		if f.Status != nil && j.Status != *f.Status {
			continue
		}
		if f.Type != nil && j.Type != *f.Type {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return []domain.Job{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Attempts returns the recorded attempts for a job, in order. Test hook.
func (s *Store) Attempts(jobID string) []domain.JobAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.JobAttempt(nil), s.attempts[jobID]...)
}

// GetManifest loads one manifest scoped to its tenant.
func (s *Store) GetManifest(_ domain.Context, tenantID, runID string) (domain.RunManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.manifests[tenantKey{tenantID, runID}]
	if !ok {
		return domain.RunManifest{}, fmt.Errorf("op=memstore.get_manifest: %w", domain.ErrNotFound)
	}
	return m, nil
}

// InsertEvent stores an event and assigns id, defaults, created_at.
func (s *Store) InsertEvent(_ domain.Context, e domain.Event) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = uuid.New().String()
	e.CreatedAt = s.now()
	if e.Severity == "" {
		e.Severity = domain.SeverityInfo
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	s.events[tenantKey{e.TenantID, e.ID}] = e
	return e, nil
}

// GetEvent loads one event scoped to its tenant.
func (s *Store) GetEvent(_ domain.Context, tenantID, id string) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[tenantKey{tenantID, id}]
	if !ok {
		return domain.Event{}, fmt.Errorf("op=memstore.get_event: %w", domain.ErrNotFound)
	}
	return e, nil
}

// InsertEvidence stores one packet; duplicates are ignored.
func (s *Store) InsertEvidence(_ domain.Context, p domain.EvidencePacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantKey{p.TenantID, p.EvidenceID}
	if _, exists := s.evidence[key]; !exists {
		s.evidence[key] = p
	}
	return nil
}

// GetEvidence loads one packet scoped to its tenant.
func (s *Store) GetEvidence(_ domain.Context, tenantID, evidenceID string) (domain.EvidencePacket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.evidence[tenantKey{tenantID, evidenceID}]
	if !ok {
		return domain.EvidencePacket{}, fmt.Errorf("op=memstore.get_evidence: %w", domain.ErrNotFound)
	}
	return p, nil
}

// ConsumeJTI burns a token id once per tenant.
func (s *Store) ConsumeJTI(_ domain.Context, tenantID, jti, _, _ string, exp time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantKey{tenantID, jti}
	if _, used := s.usedJTIs[key]; used {
		return false, nil
	}
	s.usedJTIs[key] = exp
	return true, nil
}

// UpsertRule inserts or replaces a rule keyed by (tenant_id, name).
func (s *Store) UpsertRule(_ domain.Context, rule domain.BundleTriggerRule) (domain.BundleTriggerRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nameKey := tenantKey{rule.TenantID, rule.Name}
	now := s.now()
	if id, ok := s.ruleByName[nameKey]; ok {
		existing := s.rules[tenantKey{rule.TenantID, id}]
		existing.ProjectID = rule.ProjectID
		existing.Enabled = rule.Enabled
		existing.Match = rule.Match
		existing.Action = rule.Action
		existing.Safety = rule.Safety
		existing.UpdatedAt = now
		s.rules[tenantKey{rule.TenantID, id}] = existing
		return existing, nil
	}
	rule.RuleID = uuid.New().String()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.FireCount = 0
	rule.LastFiredAt = nil
	s.rules[tenantKey{rule.TenantID, rule.RuleID}] = rule
	s.ruleByName[nameKey] = rule.RuleID
	return rule, nil
}

// GetRule loads one rule scoped to its tenant.
func (s *Store) GetRule(_ domain.Context, tenantID, ruleID string) (domain.BundleTriggerRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[tenantKey{tenantID, ruleID}]
	if !ok {
		return domain.BundleTriggerRule{}, fmt.Errorf("op=memstore.get_rule: %w", domain.ErrNotFound)
	}
	return rule, nil
}

// ListEnabledRules returns enabled rules oldest first.
func (s *Store) ListEnabledRules(_ domain.Context, tenantID string) ([]domain.BundleTriggerRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.BundleTriggerRule
	for key, rule := range s.rules {
		if key.tenant == tenantID && rule.Enabled {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].RuleID < out[b].RuleID
	})
	return out, nil
}

// MarkFired bumps the fire counter and last_fired_at.
func (s *Store) MarkFired(_ domain.Context, tenantID, ruleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantKey{tenantID, ruleID}
	rule, ok := s.rules[key]
	if !ok {
		return fmt.Errorf("op=memstore.mark_fired: %w", domain.ErrNotFound)
	}
	t := at.UTC()
	rule.FireCount++
	rule.LastFiredAt = &t
	rule.UpdatedAt = s.now()
	s.rules[key] = rule
	return nil
}

// CountFiresSince counts fire decisions recorded since the given time.
func (s *Store) CountFiresSince(_ domain.Context, tenantID, ruleID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, ev := range s.evaluations {
		if ev.TenantID == tenantID && ev.RuleID == ruleID &&
			ev.Decision == domain.DecisionFire && !ev.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// DedupeSeen reports whether the rule fired for dedupeKey since the given
// time.
func (s *Store) DedupeSeen(_ domain.Context, tenantID, ruleID, dedupeKey string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.evaluations {
		if ev.TenantID == tenantID && ev.RuleID == ruleID &&
			ev.Decision == domain.DecisionFire && ev.DedupeKey != nil &&
			*ev.DedupeKey == dedupeKey && !ev.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// RecordEvaluation appends one decision row.
func (s *Store) RecordEvaluation(_ domain.Context, ev domain.TriggerEvaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev.ID = uuid.New().String()
	ev.CreatedAt = s.now()
	s.evaluations = append(s.evaluations, ev)
	return nil
}

// ListEvaluations returns the most recent decisions for a rule.
func (s *Store) ListEvaluations(_ domain.Context, tenantID, ruleID string, limit int) ([]domain.TriggerEvaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []domain.TriggerEvaluation
	for i := len(s.evaluations) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.evaluations[i]
		if ev.TenantID == tenantID && ev.RuleID == ruleID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// UpsertBundleRun writes the run row keyed by (tenant_id, bundle_id).
func (s *Store) UpsertBundleRun(_ domain.Context, run domain.BundleRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantKey{run.TenantID, run.BundleID}
	now := s.now()
	if existing, ok := s.bundleRuns[key]; ok {
		run.CreatedAt = existing.CreatedAt
	} else {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	s.bundleRuns[key] = run
	return nil
}

// GetBundleRun loads one run scoped to its tenant.
func (s *Store) GetBundleRun(_ domain.Context, tenantID, bundleID string) (domain.BundleRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.bundleRuns[tenantKey{tenantID, bundleID}]
	if !ok {
		return domain.BundleRun{}, fmt.Errorf("op=memstore.get_bundle_run: %w", domain.ErrNotFound)
	}
	return run, nil
}

// interface conformance
var (
	_ domain.JobQueue         = (*Store)(nil)
	_ domain.ManifestStore    = (*Store)(nil)
	_ domain.EventStore       = (*Store)(nil)
	_ domain.EvidenceStore    = (*Store)(nil)
	_ domain.TokenReplayStore = (*Store)(nil)
	_ domain.TriggerStore     = (*Store)(nil)
	_ domain.BundleRunStore   = (*Store)(nil)
)
