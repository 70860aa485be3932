package postgres

import (
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/jobforge/internal/domain"
)

// TokensRepo is the policy-token replay ledger.
type TokensRepo struct{ Pool PgxPool }

// NewTokensRepo constructs a TokensRepo with the given pool.
func NewTokensRepo(p PgxPool) *TokensRepo { return &TokensRepo{Pool: p} }

// ConsumeJTI burns a token id for the tenant. Insert-once: the second
// caller sees false and must treat the token as replayed.
func (r *TokensRepo) ConsumeJTI(ctx domain.Context, tenantID, jti, action, resource string, exp time.Time) (bool, error) {
	tracer := otel.Tracer("repo.tokens")
	ctx, span := tracer.Start(ctx, "tokens.ConsumeJTI")
	defer span.End()

	q := `INSERT INTO policy_token_used (tenant_id, jti, action, resource, exp)
	      VALUES ($1,$2,$3,$4,$5)
	      ON CONFLICT (tenant_id, jti) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, tenantID, jti, action, resource, exp.UTC())
	if err != nil {
		return false, wrapErr("tokens.consume_jti", err)
	}
	return tag.RowsAffected() == 1, nil
}
