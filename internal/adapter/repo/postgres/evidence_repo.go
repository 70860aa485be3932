package postgres

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/jobforge/internal/domain"
	"github.com/fairyhunter13/jobforge/pkg/canonjson"
)

// EvidenceRepo persists sealed connector evidence packets as jsonb.
// evidence_hash verification recomputes the canonical form from the decoded
// packet, so jsonb's key reordering is harmless.
type EvidenceRepo struct{ Pool PgxPool }

// NewEvidenceRepo constructs an EvidenceRepo with the given pool.
func NewEvidenceRepo(p PgxPool) *EvidenceRepo { return &EvidenceRepo{Pool: p} }

// InsertEvidence stores one packet. Duplicate evidence ids are ignored:
// packets are immutable and the retry of a store call must not fail.
func (r *EvidenceRepo) InsertEvidence(ctx domain.Context, p domain.EvidencePacket) error {
	tracer := otel.Tracer("repo.evidence")
	ctx, span := tracer.Start(ctx, "evidence.InsertEvidence")
	defer span.End()
	span.SetAttributes(attribute.String("connector.id", p.ConnectorID))

	packet, err := canonjson.Marshal(p)
	if err != nil {
		return fmt.Errorf("op=evidence.insert: %w", err)
	}
	q := `INSERT INTO evidence_packets (evidence_id, tenant_id, project_id, connector_id,
	        trace_id, started_at, ended_at, packet)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	      ON CONFLICT (evidence_id) DO NOTHING`
	_, err = r.Pool.Exec(ctx, q, p.EvidenceID, p.TenantID, p.ProjectID, p.ConnectorID,
		p.TraceID, p.StartedAt.UTC(), p.EndedAt.UTC(), packet)
	if err != nil {
		return wrapErr("evidence.insert", err)
	}
	return nil
}

// GetEvidence loads one packet scoped to its tenant.
func (r *EvidenceRepo) GetEvidence(ctx domain.Context, tenantID, evidenceID string) (domain.EvidencePacket, error) {
	tracer := otel.Tracer("repo.evidence")
	ctx, span := tracer.Start(ctx, "evidence.GetEvidence")
	defer span.End()

	q := `SELECT packet FROM evidence_packets WHERE tenant_id = $1 AND evidence_id = $2`
	var raw []byte
	if err := r.Pool.QueryRow(ctx, q, tenantID, evidenceID).Scan(&raw); err != nil {
		return domain.EvidencePacket{}, wrapErr("evidence.get", err)
	}
	var p domain.EvidencePacket
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.EvidencePacket{}, fmt.Errorf("op=evidence.get: %w", err)
	}
	return p, nil
}
