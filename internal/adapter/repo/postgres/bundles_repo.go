package postgres

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/jobforge/internal/domain"
)

// BundlesRepo records bundle executor runs.
type BundlesRepo struct{ Pool PgxPool }

// NewBundlesRepo constructs a BundlesRepo with the given pool.
func NewBundlesRepo(p PgxPool) *BundlesRepo { return &BundlesRepo{Pool: p} }

// UpsertBundleRun writes the run row, replacing status and summary on
// re-execution of the same bundle.
func (r *BundlesRepo) UpsertBundleRun(ctx domain.Context, run domain.BundleRun) error {
	tracer := otel.Tracer("repo.bundles")
	ctx, span := tracer.Start(ctx, "bundles.UpsertBundleRun")
	defer span.End()
	span.SetAttributes(
		attribute.String("bundle.id", run.BundleID),
		attribute.String("bundle.status", string(run.Status)),
	)

	q := `INSERT INTO bundle_runs (bundle_id, tenant_id, project_id, trace_id, job_id, status, summary)
	      VALUES ($1,$2,$3,$4,$5,$6,$7)
	      ON CONFLICT (tenant_id, bundle_id) DO UPDATE SET
	        trace_id   = EXCLUDED.trace_id,
	        job_id     = EXCLUDED.job_id,
	        status     = EXCLUDED.status,
	        summary    = EXCLUDED.summary,
	        updated_at = now()`
	_, err := r.Pool.Exec(ctx, q, run.BundleID, run.TenantID, run.ProjectID, run.TraceID,
		run.JobID, string(run.Status), run.Summary)
	if err != nil {
		return wrapErr("bundles.upsert_run", err)
	}
	return nil
}

// GetBundleRun loads one run scoped to its tenant.
func (r *BundlesRepo) GetBundleRun(ctx domain.Context, tenantID, bundleID string) (domain.BundleRun, error) {
	tracer := otel.Tracer("repo.bundles")
	ctx, span := tracer.Start(ctx, "bundles.GetBundleRun")
	defer span.End()

	q := `SELECT bundle_id, tenant_id, project_id, trace_id, job_id::text, status, summary,
	        created_at, updated_at
	      FROM bundle_runs WHERE tenant_id = $1 AND bundle_id = $2`
	row := r.Pool.QueryRow(ctx, q, tenantID, bundleID)
	var run domain.BundleRun
	err := row.Scan(&run.BundleID, &run.TenantID, &run.ProjectID, &run.TraceID, &run.JobID,
		&run.Status, &run.Summary, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return domain.BundleRun{}, wrapErr("bundles.get_run", err)
	}
	return run, nil
}
