package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jobforge/internal/adapter/repo/memstore"
	"github.com/fairyhunter13/jobforge/internal/domain"
)

func claimOneJob(t *testing.T, st *memstore.Store) domain.Job {
	t.Helper()
	ctx := context.Background()
	_, _, err := st.Enqueue(ctx, domain.EnqueueInput{
		TenantID: "t1", Type: "report_generate", IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	tenant := "t1"
	claimed, err := st.Claim(ctx, &tenant, "w1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func TestReaperRequeuesStaleJobs(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	current := base
	st.SetClock(func() time.Time { return current })

	job := claimOneJob(t, st)
	r := NewReaper(st, 5*time.Minute, time.Minute)

	current = base.Add(10 * time.Minute)
	r.sweepOnce(context.Background())

	got, err := st.Get(context.Background(), "t1", job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, got.Status)
	require.Nil(t, got.ClaimedBy)
	require.Equal(t, 1, got.AttemptNo)
	require.True(t, got.AvailableAt.After(current), "requeue must apply backoff delay")
}

func TestReaperLeavesHeartbeatingJobs(t *testing.T) {
	t.Parallel()
	st := memstore.New()
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	current := base
	st.SetClock(func() time.Time { return current })

	job := claimOneJob(t, st)
	r := NewReaper(st, 5*time.Minute, time.Minute)

	current = base.Add(2 * time.Minute)
	r.sweepOnce(context.Background())

	got, err := st.Get(context.Background(), "t1", job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobClaimed, got.Status)
}

func TestNewReaperDefaults(t *testing.T) {
	t.Parallel()
	require.Nil(t, NewReaper(nil, 0, 0))

	r := NewReaper(memstore.New(), 0, 0)
	require.Equal(t, 5*time.Minute, r.staleAfter)
	require.Equal(t, time.Minute, r.interval)
}
