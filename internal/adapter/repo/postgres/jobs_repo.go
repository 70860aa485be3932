package postgres

import (
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/jobforge/internal/domain"
	"github.com/fairyhunter13/jobforge/pkg/canonjson"
)

// jobColumns is the scan order shared by every job-returning query. The id
// casts keep uuid columns as plain strings on the Go side.
const jobColumns = `id::text, tenant_id, project_id, type, payload, payload_hash,
	idempotency_key, status, priority, attempt_no, max_attempts, available_at,
	claimed_by, claimed_at, heartbeat_at, created_at, updated_at, result_id,
	trace_id, is_action_job, required_scopes`

// JobsRepo implements domain.JobQueue over the jobforge_* procedures.
type JobsRepo struct{ Pool PgxPool }

// NewJobsRepo constructs a JobsRepo with the given pool.
func NewJobsRepo(p PgxPool) *JobsRepo { return &JobsRepo{Pool: p} }

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.TenantID, &j.ProjectID, &j.Type, &j.Payload, &j.PayloadHash,
		&j.IdempotencyKey, &j.Status, &j.Priority, &j.AttemptNo, &j.MaxAttempts, &j.AvailableAt,
		&j.ClaimedBy, &j.ClaimedAt, &j.HeartbeatAt, &j.CreatedAt, &j.UpdatedAt, &j.ResultID,
		&j.TraceID, &j.IsActionJob, &j.RequiredScopes)
	return j, err
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Enqueue upserts a job by (tenant_id, type, idempotency_key). A prior job
// comes back unchanged with created=false.
func (r *JobsRepo) Enqueue(ctx domain.Context, in domain.EnqueueInput) (domain.Job, bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.sql.table", "jobs"),
		attribute.String("job.type", in.Type),
	)

	maxAttempts := in.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	var availableAt *time.Time
	if !in.AvailableAt.IsZero() {
		t := in.AvailableAt.UTC()
		availableAt = &t
	}
	scopes := in.RequiredScopes
	if scopes == nil {
		scopes = []string{}
	}
	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	hash, err := canonjson.Hash(payload)
	if err != nil {
		return domain.Job{}, false, wrapErr("jobs.enqueue", err)
	}

	q := `SELECT * FROM jobforge_enqueue_job($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	row := r.Pool.QueryRow(ctx, q, in.TenantID, in.Type, payload, in.IdempotencyKey,
		in.Priority, maxAttempts, availableAt, in.IsActionJob, scopes, in.TraceID,
		in.ProjectID, hash)

	var j domain.Job
	var created bool
	err = row.Scan(&j.ID, &j.TenantID, &j.ProjectID, &j.Type, &j.Payload, &j.PayloadHash,
		&j.IdempotencyKey, &j.Status, &j.Priority, &j.AttemptNo, &j.MaxAttempts, &j.AvailableAt,
		&j.ClaimedBy, &j.ClaimedAt, &j.HeartbeatAt, &j.CreatedAt, &j.UpdatedAt, &j.ResultID,
		&j.TraceID, &j.IsActionJob, &j.RequiredScopes, &created)
	if err != nil {
		return domain.Job{}, false, wrapErr("jobs.enqueue", err)
	}
	return j, created, nil
}

// Claim atomically marks up to limit due pending jobs as claimed by
// workerID. tenantID nil claims across tenants.
func (r *JobsRepo) Claim(ctx domain.Context, tenantID *string, workerID string, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Claim")
	defer span.End()
	span.SetAttributes(
		attribute.String("worker.id", workerID),
		attribute.Int("claim.limit", limit),
	)

	q := `SELECT ` + jobColumns + ` FROM jobforge_claim_jobs($1,$2,$3)`
	rows, err := r.Pool.Query(ctx, q, tenantID, workerID, limit)
	if err != nil {
		return nil, wrapErr("jobs.claim", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, wrapErr("jobs.claim", err)
	}
	return jobs, nil
}

// Start moves a claimed job to running iff workerID still holds the claim.
func (r *JobsRepo) Start(ctx domain.Context, tenantID, jobID, workerID string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Start")
	defer span.End()

	var ok bool
	err := r.Pool.QueryRow(ctx, `SELECT jobforge_start_job($1,$2,$3)`, tenantID, jobID, workerID).Scan(&ok)
	if err != nil {
		return false, wrapErr("jobs.start", err)
	}
	return ok, nil
}

// Heartbeat refreshes liveness; false means the claim was lost and the
// handler must abandon.
func (r *JobsRepo) Heartbeat(ctx domain.Context, tenantID, jobID, workerID string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Heartbeat")
	defer span.End()

	var ok bool
	err := r.Pool.QueryRow(ctx, `SELECT jobforge_heartbeat_job($1,$2,$3)`, tenantID, jobID, workerID).Scan(&ok)
	if err != nil {
		return false, wrapErr("jobs.heartbeat", err)
	}
	return ok, nil
}

// Complete finishes a job successfully, writing its manifest and attempt in
// the same transaction as the status flip.
func (r *JobsRepo) Complete(ctx domain.Context, tenantID, jobID, workerID, resultRef string, manifest domain.RunManifest) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()

	_, err := r.Pool.Exec(ctx, `SELECT jobforge_complete_job($1,$2,$3,$4,$5)`,
		tenantID, jobID, workerID, resultRef, manifest)
	if err != nil {
		return wrapErr("jobs.complete", err)
	}
	return nil
}

// Fail records a failed attempt and either reschedules per the backoff
// policy or lands the job terminal. Returns the post-transition row.
func (r *JobsRepo) Fail(ctx domain.Context, tenantID, jobID, workerID string, kind domain.ErrorKind, message string, retryable bool, evidenceRef *string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()
	span.SetAttributes(attribute.String("error.kind", string(kind)))

	q := `SELECT ` + jobColumns + ` FROM jobforge_fail_job($1,$2,$3,$4,$5,$6,$7)`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, tenantID, jobID, workerID, string(kind), message, retryable, evidenceRef))
	if err != nil {
		return domain.Job{}, wrapErr("jobs.fail", err)
	}
	return j, nil
}

// ReapStuck requeues claimed/running jobs whose heartbeat is older than
// staleAfter and returns how many were reaped.
func (r *JobsRepo) ReapStuck(ctx domain.Context, staleAfter time.Duration) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ReapStuck")
	defer span.End()

	// Interval built in SQL; pgx has no native time.Duration encoding.
	var n int
	q := `SELECT jobforge_reap_stuck_jobs(make_interval(secs => $1))`
	err := r.Pool.QueryRow(ctx, q, staleAfter.Seconds()).Scan(&n)
	if err != nil {
		return 0, wrapErr("jobs.reap_stuck", err)
	}
	span.SetAttributes(attribute.Int("jobs.reaped", n))
	return n, nil
}

// Cancel moves a non-terminal job to canceled; false when already terminal.
func (r *JobsRepo) Cancel(ctx domain.Context, tenantID, jobID, reason string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Cancel")
	defer span.End()

	var ok bool
	err := r.Pool.QueryRow(ctx, `SELECT jobforge_cancel_job($1,$2,$3)`, tenantID, jobID, reason).Scan(&ok)
	if err != nil {
		return false, wrapErr("jobs.cancel", err)
	}
	return ok, nil
}

// Reschedule moves a pending job's available_at; false when not pending.
func (r *JobsRepo) Reschedule(ctx domain.Context, tenantID, jobID string, at time.Time) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Reschedule")
	defer span.End()

	var ok bool
	err := r.Pool.QueryRow(ctx, `SELECT jobforge_reschedule_job($1,$2,$3)`, tenantID, jobID, at.UTC()).Scan(&ok)
	if err != nil {
		return false, wrapErr("jobs.reschedule", err)
	}
	return ok, nil
}

// Get loads one job scoped to its tenant.
func (r *JobsRepo) Get(ctx domain.Context, tenantID, jobID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM jobforge_get_job($1,$2)`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, tenantID, jobID))
	if err != nil {
		return domain.Job{}, wrapErr("jobs.get", err)
	}
	return j, nil
}

// List returns tenant jobs newest first, optionally filtered by status and
// type.
func (r *JobsRepo) List(ctx domain.Context, tenantID string, f domain.JobFilter) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var status *string
	if f.Status != nil {
		s := string(*f.Status)
		status = &s
	}
	q := `SELECT ` + jobColumns + ` FROM jobforge_list_jobs($1,$2,$3,$4,$5)`
	rows, err := r.Pool.Query(ctx, q, tenantID, status, f.Type, limit, f.Offset)
	if err != nil {
		return nil, wrapErr("jobs.list", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, wrapErr("jobs.list", err)
	}
	return jobs, nil
}
