package postgres

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/jobforge/internal/domain"
)

// TriggersRepo owns trigger rules, their durable fire counters, and the
// evaluation audit trail.
type TriggersRepo struct{ Pool PgxPool }

// NewTriggersRepo constructs a TriggersRepo with the given pool.
func NewTriggersRepo(p PgxPool) *TriggersRepo { return &TriggersRepo{Pool: p} }

const ruleColumns = `rule_id::text, tenant_id, project_id, name, enabled,
	match, action, safety, last_fired_at, fire_count, created_at, updated_at`

type ruleScanner interface{ Scan(dest ...any) error }

func scanRule(row ruleScanner) (domain.BundleTriggerRule, error) {
	var rule domain.BundleTriggerRule
	err := row.Scan(&rule.RuleID, &rule.TenantID, &rule.ProjectID, &rule.Name, &rule.Enabled,
		&rule.Match, &rule.Action, &rule.Safety, &rule.LastFiredAt, &rule.FireCount,
		&rule.CreatedAt, &rule.UpdatedAt)
	return rule, err
}

// UpsertRule inserts or replaces a rule keyed by (tenant_id, name), which
// keeps seeders idempotent. Counters survive the upsert.
func (r *TriggersRepo) UpsertRule(ctx domain.Context, rule domain.BundleTriggerRule) (domain.BundleTriggerRule, error) {
	tracer := otel.Tracer("repo.triggers")
	ctx, span := tracer.Start(ctx, "triggers.UpsertRule")
	defer span.End()
	span.SetAttributes(attribute.String("rule.name", rule.Name))

	q := `INSERT INTO trigger_rules (tenant_id, project_id, name, enabled, match, action, safety)
	      VALUES ($1,$2,$3,$4,$5,$6,$7)
	      ON CONFLICT (tenant_id, name) DO UPDATE SET
	        project_id = EXCLUDED.project_id,
	        enabled    = EXCLUDED.enabled,
	        match      = EXCLUDED.match,
	        action     = EXCLUDED.action,
	        safety     = EXCLUDED.safety,
	        updated_at = now()
	      RETURNING ` + ruleColumns
	row := r.Pool.QueryRow(ctx, q, rule.TenantID, rule.ProjectID, rule.Name, rule.Enabled,
		rule.Match, rule.Action, rule.Safety)
	out, err := scanRule(row)
	if err != nil {
		return domain.BundleTriggerRule{}, wrapErr("triggers.upsert_rule", err)
	}
	return out, nil
}

// GetRule loads one rule scoped to its tenant.
func (r *TriggersRepo) GetRule(ctx domain.Context, tenantID, ruleID string) (domain.BundleTriggerRule, error) {
	tracer := otel.Tracer("repo.triggers")
	ctx, span := tracer.Start(ctx, "triggers.GetRule")
	defer span.End()

	q := `SELECT ` + ruleColumns + ` FROM trigger_rules WHERE tenant_id = $1 AND rule_id = $2`
	rule, err := scanRule(r.Pool.QueryRow(ctx, q, tenantID, ruleID))
	if err != nil {
		return domain.BundleTriggerRule{}, wrapErr("triggers.get_rule", err)
	}
	return rule, nil
}

// ListEnabledRules returns the tenant's enabled rules, oldest first so
// evaluation order is stable.
func (r *TriggersRepo) ListEnabledRules(ctx domain.Context, tenantID string) ([]domain.BundleTriggerRule, error) {
	tracer := otel.Tracer("repo.triggers")
	ctx, span := tracer.Start(ctx, "triggers.ListEnabledRules")
	defer span.End()

	q := `SELECT ` + ruleColumns + ` FROM trigger_rules
	      WHERE tenant_id = $1 AND enabled ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, wrapErr("triggers.list_enabled", err)
	}
	defer rows.Close()
	var rules []domain.BundleTriggerRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, wrapErr("triggers.list_enabled", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("triggers.list_enabled", err)
	}
	return rules, nil
}

// MarkFired bumps the durable fire counter and last_fired_at.
func (r *TriggersRepo) MarkFired(ctx domain.Context, tenantID, ruleID string, at time.Time) error {
	tracer := otel.Tracer("repo.triggers")
	ctx, span := tracer.Start(ctx, "triggers.MarkFired")
	defer span.End()

	q := `UPDATE trigger_rules SET fire_count = fire_count + 1, last_fired_at = $3, updated_at = now()
	      WHERE tenant_id = $1 AND rule_id = $2`
	tag, err := r.Pool.Exec(ctx, q, tenantID, ruleID, at.UTC())
	if err != nil {
		return wrapErr("triggers.mark_fired", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapErr("triggers.mark_fired", domain.ErrNotFound)
	}
	return nil
}

// CountFiresSince counts fire decisions recorded for the rule since the
// given time. Durable, so the hourly cap holds across workers.
func (r *TriggersRepo) CountFiresSince(ctx domain.Context, tenantID, ruleID string, since time.Time) (int, error) {
	tracer := otel.Tracer("repo.triggers")
	ctx, span := tracer.Start(ctx, "triggers.CountFiresSince")
	defer span.End()

	q := `SELECT count(*) FROM trigger_evaluations
	      WHERE tenant_id = $1 AND rule_id = $2 AND decision = 'fire' AND created_at >= $3`
	var n int
	if err := r.Pool.QueryRow(ctx, q, tenantID, ruleID, since.UTC()).Scan(&n); err != nil {
		return 0, wrapErr("triggers.count_fires", err)
	}
	return n, nil
}

// DedupeSeen reports whether the rule already fired for dedupeKey since the
// given time.
func (r *TriggersRepo) DedupeSeen(ctx domain.Context, tenantID, ruleID, dedupeKey string, since time.Time) (bool, error) {
	tracer := otel.Tracer("repo.triggers")
	ctx, span := tracer.Start(ctx, "triggers.DedupeSeen")
	defer span.End()

	q := `SELECT EXISTS (
	        SELECT 1 FROM trigger_evaluations
	        WHERE tenant_id = $1 AND rule_id = $2 AND dedupe_key = $3
	          AND decision = 'fire' AND created_at >= $4)`
	var seen bool
	if err := r.Pool.QueryRow(ctx, q, tenantID, ruleID, dedupeKey, since.UTC()).Scan(&seen); err != nil {
		return false, wrapErr("triggers.dedupe_seen", err)
	}
	return seen, nil
}

// RecordEvaluation appends one decision row.
func (r *TriggersRepo) RecordEvaluation(ctx domain.Context, ev domain.TriggerEvaluation) error {
	tracer := otel.Tracer("repo.triggers")
	ctx, span := tracer.Start(ctx, "triggers.RecordEvaluation")
	defer span.End()
	span.SetAttributes(attribute.String("trigger.decision", string(ev.Decision)))

	q := `INSERT INTO trigger_evaluations (tenant_id, rule_id, event_id, decision, reason,
	        dry_run, dedupe_key, bundle_id)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.Pool.Exec(ctx, q, ev.TenantID, ev.RuleID, ev.EventID, string(ev.Decision),
		ev.Reason, ev.DryRun, ev.DedupeKey, ev.BundleID)
	if err != nil {
		return wrapErr("triggers.record_evaluation", err)
	}
	return nil
}

// ListEvaluations returns the most recent decisions for a rule.
func (r *TriggersRepo) ListEvaluations(ctx domain.Context, tenantID, ruleID string, limit int) ([]domain.TriggerEvaluation, error) {
	tracer := otel.Tracer("repo.triggers")
	ctx, span := tracer.Start(ctx, "triggers.ListEvaluations")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id::text, tenant_id, rule_id::text, event_id::text, decision, reason,
	        dry_run, dedupe_key, bundle_id, created_at
	      FROM trigger_evaluations
	      WHERE tenant_id = $1 AND rule_id = $2
	      ORDER BY created_at DESC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, tenantID, ruleID, limit)
	if err != nil {
		return nil, wrapErr("triggers.list_evaluations", err)
	}
	defer rows.Close()
	var evs []domain.TriggerEvaluation
	for rows.Next() {
		var ev domain.TriggerEvaluation
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.RuleID, &ev.EventID, &ev.Decision,
			&ev.Reason, &ev.DryRun, &ev.DedupeKey, &ev.BundleID, &ev.CreatedAt); err != nil {
			return nil, wrapErr("triggers.list_evaluations", err)
		}
		evs = append(evs, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("triggers.list_evaluations", err)
	}
	return evs, nil
}
