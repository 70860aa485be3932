package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jobforge/internal/domain"
)

func fixedClock(t time.Time) (func() time.Time, *time.Time) {
	cur := t
	return func() time.Time { return cur }, &cur
}

func enqueue(t *testing.T, s *Store, tenant, typ, key string) domain.Job {
	t.Helper()
	job, created, err := s.Enqueue(context.Background(), domain.EnqueueInput{
		TenantID:       tenant,
		Type:           typ,
		IdempotencyKey: key,
		Payload:        map[string]any{"n": 1},
	})
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func TestEnqueueIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, created, err := s.Enqueue(ctx, domain.EnqueueInput{
		TenantID: "t1", Type: "demo", IdempotencyKey: "k1",
		Payload: map[string]any{"a": 1},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.JobPending, first.Status)
	assert.Equal(t, domain.DefaultMaxAttempts, first.MaxAttempts)
	assert.Len(t, first.PayloadHash, 64)

	second, created, err := s.Enqueue(ctx, domain.EnqueueInput{
		TenantID: "t1", Type: "demo", IdempotencyKey: "k1",
		Payload: map[string]any{"a": 2}, Priority: 9,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 0, second.Priority, "duplicate must not mutate the stored job")
}

func TestEnqueueValidation(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, _, err := s.Enqueue(ctx, domain.EnqueueInput{Type: "demo", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = s.Enqueue(ctx, domain.EnqueueInput{
		TenantID: "t1", Type: "demo", IdempotencyKey: "k", MaxAttempts: 11,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestClaimOrderingAndLimit(t *testing.T) {
	s := New()
	ctx := context.Background()
	clock, cur := fixedClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	s.SetClock(clock)

	low := enqueue(t, s, "t1", "demo", "low")
	*cur = cur.Add(time.Second)
	high, created, err := s.Enqueue(ctx, domain.EnqueueInput{
		TenantID: "t1", Type: "demo", IdempotencyKey: "high", Priority: 5,
	})
	require.NoError(t, err)
	require.True(t, created)
	*cur = cur.Add(time.Second)
	_, _, err = s.Enqueue(ctx, domain.EnqueueInput{
		TenantID: "t1", Type: "demo", IdempotencyKey: "future",
		AvailableAt: cur.Add(time.Hour),
	})
	require.NoError(t, err)

	claimed, err := s.Claim(ctx, nil, "w1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2, "future job must not be claimable")
	assert.Equal(t, high.ID, claimed[0].ID, "higher priority claims first")
	assert.Equal(t, low.ID, claimed[1].ID)
	assert.Equal(t, domain.JobClaimed, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].AttemptNo)

	again, err := s.Claim(ctx, nil, "w2", 10)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed jobs must not be claimable twice")
}

func TestClaimTenantScoped(t *testing.T) {
	s := New()
	ctx := context.Background()
	enqueue(t, s, "t1", "demo", "a")
	enqueue(t, s, "t2", "demo", "b")

	tenant := "t2"
	claimed, err := s.Claim(ctx, &tenant, "w1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "t2", claimed[0].TenantID)
}

func TestHeartbeatGuardsClaim(t *testing.T) {
	s := New()
	ctx := context.Background()
	job := enqueue(t, s, "t1", "demo", "k")
	_, err := s.Claim(ctx, nil, "w1", 1)
	require.NoError(t, err)

	ok, err := s.Heartbeat(ctx, "t1", job.ID, "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Heartbeat(ctx, "t1", job.ID, "w2")
	require.NoError(t, err)
	assert.False(t, ok, "heartbeat from a non-owner must report a lost claim")
}

func TestCompleteWritesManifestOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	job := enqueue(t, s, "t1", "demo", "k")
	_, err := s.Claim(ctx, nil, "w1", 1)
	require.NoError(t, err)
	ok, err := s.Start(ctx, "t1", job.ID, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	err = s.Complete(ctx, "t1", job.ID, "w1", "", domain.RunManifest{
		Metrics: map[string]float64{"n": 1},
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "t1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, got.Status)
	require.NotNil(t, got.ResultID)
	assert.Equal(t, job.ID, *got.ResultID, "empty result ref defaults to the job id")

	m, err := s.GetManifest(ctx, "t1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ManifestComplete, m.Status)
	assert.Equal(t, job.PayloadHash, m.InputsSnapshotHash)
	assert.Equal(t, "demo", m.JobType)

	attempts := s.Attempts(job.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.AttemptSucceeded, attempts[0].Outcome)
}

func TestCompleteRequiresClaim(t *testing.T) {
	s := New()
	ctx := context.Background()
	job := enqueue(t, s, "t1", "demo", "k")
	_, err := s.Claim(ctx, nil, "w1", 1)
	require.NoError(t, err)

	err = s.Complete(ctx, "t1", job.ID, "w2", "", domain.RunManifest{})
	assert.ErrorIs(t, err, domain.ErrConflict)

	err = s.Complete(ctx, "t1", "missing-id", "w1", "", domain.RunManifest{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFailRetrySchedule(t *testing.T) {
	s := New()
	ctx := context.Background()
	clock, cur := fixedClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	s.SetClock(clock)
	job := enqueue(t, s, "t1", "demo", "k")
	_, err := s.Claim(ctx, nil, "w1", 1)
	require.NoError(t, err)

	failed, err := s.Fail(ctx, "t1", job.ID, "w1", domain.KindTransient, "boom", true, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, failed.Status)
	assert.Nil(t, failed.ClaimedBy)
	delay := failed.AvailableAt.Sub(*cur)
	assert.GreaterOrEqual(t, delay, time.Second, "first retry waits at least the base delay")
	assert.LessOrEqual(t, delay, 1250*time.Millisecond)

	_, err = s.GetManifest(ctx, "t1", job.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "retryable failures must not write a manifest")
}

func TestFailPermanent(t *testing.T) {
	s := New()
	ctx := context.Background()
	job := enqueue(t, s, "t1", "demo", "k")
	_, err := s.Claim(ctx, nil, "w1", 1)
	require.NoError(t, err)

	failed, err := s.Fail(ctx, "t1", job.ID, "w1", domain.KindValidation, "bad input", false, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, failed.Status)

	m, err := s.GetManifest(ctx, "t1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ManifestFailed, m.Status)
	require.NotNil(t, m.Error)
	assert.Equal(t, "VALIDATION_ERROR", m.Error.Code)
	assert.Equal(t, "bad input", m.Error.Message)
}

func TestFailExhaustedGoesDead(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, created, err := s.Enqueue(ctx, domain.EnqueueInput{
		TenantID: "t1", Type: "demo", IdempotencyKey: "k", MaxAttempts: 1,
	})
	require.NoError(t, err)
	require.True(t, created)

	claimed, err := s.Claim(ctx, nil, "w1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	failed, err := s.Fail(ctx, "t1", claimed[0].ID, "w1", domain.KindTimeout, "slow", true, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDead, failed.Status)

	m, err := s.GetManifest(ctx, "t1", claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "TIMEOUT", m.Error.Code)
}

func TestReapStuck(t *testing.T) {
	s := New()
	ctx := context.Background()
	clock, cur := fixedClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	s.SetClock(clock)
	job := enqueue(t, s, "t1", "demo", "k")
	_, err := s.Claim(ctx, nil, "w1", 1)
	require.NoError(t, err)

	*cur = cur.Add(time.Minute)
	n, err := s.ReapStuck(ctx, 3*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh heartbeats stay claimed")

	*cur = cur.Add(10 * time.Minute)
	n, err = s.ReapStuck(ctx, 3*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, "t1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, got.Status)
	attempts := s.Attempts(job.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.AttemptTimedOut, attempts[0].Outcome)
	assert.Equal(t, "heartbeat expired", attempts[0].ErrorMessage)
}

func TestCancelStates(t *testing.T) {
	s := New()
	ctx := context.Background()
	job := enqueue(t, s, "t1", "demo", "k")

	ok, err := s.Cancel(ctx, "t1", job.ID, "operator request")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Cancel(ctx, "t1", job.ID, "again")
	require.NoError(t, err)
	assert.False(t, ok, "terminal jobs report canceled=false")

	_, err = s.Cancel(ctx, "t1", "missing-id", "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRescheduleClampsPast(t *testing.T) {
	s := New()
	ctx := context.Background()
	clock, cur := fixedClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	s.SetClock(clock)
	job := enqueue(t, s, "t1", "demo", "k")

	ok, err := s.Reschedule(ctx, "t1", job.ID, cur.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := s.Get(ctx, "t1", job.ID)
	require.NoError(t, err)
	assert.True(t, got.AvailableAt.Equal(*cur), "past times clamp to now")

	_, err = s.Claim(ctx, nil, "w1", 1)
	require.NoError(t, err)
	ok, err = s.Reschedule(ctx, "t1", job.ID, cur.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "only pending jobs reschedule")
}

func TestListNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	clock, cur := fixedClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	s.SetClock(clock)

	older := enqueue(t, s, "t1", "demo", "a")
	*cur = cur.Add(time.Second)
	newer := enqueue(t, s, "t1", "other", "b")
	enqueue(t, s, "t2", "demo", "c")

	jobs, err := s.List(ctx, "t1", domain.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, newer.ID, jobs[0].ID)
	assert.Equal(t, older.ID, jobs[1].ID)

	typ := "demo"
	jobs, err = s.List(ctx, "t1", domain.JobFilter{Type: &typ})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, older.ID, jobs[0].ID)
}

func TestConsumeJTIOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	ok, err := s.ConsumeJTI(ctx, "t1", "jti-1", "enqueue", "demo", exp)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ConsumeJTI(ctx, "t1", "jti-1", "enqueue", "demo", exp)
	require.NoError(t, err)
	assert.False(t, ok, "replayed jti must be rejected")

	ok, err = s.ConsumeJTI(ctx, "t2", "jti-1", "enqueue", "demo", exp)
	require.NoError(t, err)
	assert.True(t, ok, "jti namespace is per tenant")
}

func TestRuleLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	clock, cur := fixedClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	s.SetClock(clock)

	rule, err := s.UpsertRule(ctx, domain.BundleTriggerRule{
		TenantID: "t1", Name: "deploy-alert", Enabled: true,
		Match: domain.TriggerMatch{EventTypeAllowlist: []string{"deploy.failed"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, rule.RuleID)

	err = s.MarkFired(ctx, "t1", rule.RuleID, *cur)
	require.NoError(t, err)

	updated, err := s.UpsertRule(ctx, domain.BundleTriggerRule{
		TenantID: "t1", Name: "deploy-alert", Enabled: false,
		Match: domain.TriggerMatch{EventTypeAllowlist: []string{"deploy.failed", "deploy.slow"}},
	})
	require.NoError(t, err)
	assert.Equal(t, rule.RuleID, updated.RuleID, "upsert keys on (tenant, name)")
	assert.Equal(t, int64(1), updated.FireCount, "upsert preserves fire counters")
	assert.False(t, updated.Enabled)

	rules, err := s.ListEnabledRules(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestFireAccounting(t *testing.T) {
	s := New()
	ctx := context.Background()
	clock, cur := fixedClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	s.SetClock(clock)

	key := "deploy.failed:2026-01-02"
	require.NoError(t, s.RecordEvaluation(ctx, domain.TriggerEvaluation{
		TenantID: "t1", RuleID: "r1", EventID: "e1",
		Decision: domain.DecisionFire, DedupeKey: &key,
	}))
	*cur = cur.Add(time.Minute)
	require.NoError(t, s.RecordEvaluation(ctx, domain.TriggerEvaluation{
		TenantID: "t1", RuleID: "r1", EventID: "e2",
		Decision: domain.DecisionCooldown,
	}))

	n, err := s.CountFiresSince(ctx, "t1", "r1", cur.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only fire decisions count against the hourly cap")

	seen, err := s.DedupeSeen(ctx, "t1", "r1", key, cur.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = s.DedupeSeen(ctx, "t1", "r1", "other-key", cur.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, seen)

	evals, err := s.ListEvaluations(ctx, "t1", "r1", 10)
	require.NoError(t, err)
	require.Len(t, evals, 2)
	assert.Equal(t, "e2", evals[0].EventID, "evaluations list newest first")
}

func TestBundleRunUpsert(t *testing.T) {
	s := New()
	ctx := context.Background()
	clock, cur := fixedClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	s.SetClock(clock)

	run := domain.BundleRun{
		BundleID: "b1", TenantID: "t1", JobID: "j1",
		Status: domain.BundleRunRunning,
	}
	require.NoError(t, s.UpsertBundleRun(ctx, run))

	*cur = cur.Add(time.Minute)
	run.Status = domain.BundleRunComplete
	run.Summary = domain.BundleSummary{Total: 3, Accepted: 3}
	require.NoError(t, s.UpsertBundleRun(ctx, run))

	got, err := s.GetBundleRun(ctx, "t1", "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BundleRunComplete, got.Status)
	assert.Equal(t, 3, got.Summary.Accepted)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt), "upsert preserves created_at")

	_, err = s.GetBundleRun(ctx, "t2", "b1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEventRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	stored, err := s.InsertEvent(ctx, domain.Event{
		TenantID:   "t1",
		EventType:  "deploy.failed",
		SourceApp:  "ci",
		OccurredAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)
	assert.Equal(t, domain.SeverityInfo, stored.Severity)

	got, err := s.GetEvent(ctx, "t1", stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "deploy.failed", got.EventType)

	_, err = s.GetEvent(ctx, "t2", stored.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEvidenceImmutable(t *testing.T) {
	s := New()
	ctx := context.Background()

	p := domain.EvidencePacket{EvidenceID: "ev1", TenantID: "t1", ConnectorID: "http_request", OK: true}
	require.NoError(t, s.InsertEvidence(ctx, p))

	dup := p
	dup.OK = false
	require.NoError(t, s.InsertEvidence(ctx, dup))

	got, err := s.GetEvidence(ctx, "t1", "ev1")
	require.NoError(t, err)
	assert.True(t, got.OK, "second insert of the same packet id is a no-op")
}
