package postgres

import (
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/jobforge/internal/domain"
)

// ManifestsRepo reads run manifests. Writes happen only inside
// jobforge_complete_job / jobforge_fail_job, never from Go.
type ManifestsRepo struct{ Pool PgxPool }

// NewManifestsRepo constructs a ManifestsRepo with the given pool.
func NewManifestsRepo(p PgxPool) *ManifestsRepo { return &ManifestsRepo{Pool: p} }

// GetManifest loads one manifest scoped to its tenant.
func (r *ManifestsRepo) GetManifest(ctx domain.Context, tenantID, runID string) (domain.RunManifest, error) {
	tracer := otel.Tracer("repo.manifests")
	ctx, span := tracer.Start(ctx, "manifests.GetManifest")
	defer span.End()

	q := `SELECT run_id::text, tenant_id, project_id, job_type, created_at,
	        inputs_snapshot_hash, outputs, metrics, env_fingerprint, tool_versions,
	        status, error
	      FROM run_manifests WHERE tenant_id = $1 AND run_id = $2`
	row := r.Pool.QueryRow(ctx, q, tenantID, runID)
	var m domain.RunManifest
	err := row.Scan(&m.RunID, &m.TenantID, &m.ProjectID, &m.JobType, &m.CreatedAt,
		&m.InputsSnapshotHash, &m.Outputs, &m.Metrics, &m.EnvFingerprint, &m.ToolVersions,
		&m.Status, &m.Error)
	if err != nil {
		return domain.RunManifest{}, wrapErr("manifests.get", err)
	}
	return m, nil
}
