package postgres

import (
	"context"
	"errors"
	"math/big"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
)

// CreditsRepo reads and updates the off-chain credit mirror. The on-chain
// balance is authoritative; these rows are optimistic hints.
type CreditsRepo struct{ Pool PgxPool }

// NewCreditsRepo constructs a CreditsRepo with the given pool.
func NewCreditsRepo(p PgxPool) *CreditsRepo { return &CreditsRepo{Pool: p} }

// ChainAddress returns the user's on-chain credit address, or "" when the
// user has no linked address.
func (r *CreditsRepo) ChainAddress(ctx context.Context, userID string) (string, error) {
	tracer := otel.Tracer("repo.credits")
	ctx, span := tracer.Start(ctx, "credits.ChainAddress")
	defer span.End()

	var addr *string
	err := r.Pool.QueryRow(ctx,
		`SELECT on_chain_address FROM user_credits WHERE user_id = $1`, userID).Scan(&addr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", wrapErr("credits.chain_address", err)
	}
	if addr == nil {
		return "", nil
	}
	return *addr, nil
}

// ApplySpend updates the mirror after a confirmed on-chain spend. Crash
// between confirmation and this update leaves the mirror stale, which
// consumers must tolerate.
func (r *CreditsRepo) ApplySpend(ctx context.Context, userID string, amount *big.Int) error {
	tracer := otel.Tracer("repo.credits")
	ctx, span := tracer.Start(ctx, "credits.ApplySpend")
	defer span.End()

	q := `UPDATE user_credits
	      SET credit_balance = credit_balance - $2::numeric,
	          total_spent = total_spent + $2::numeric
	      WHERE user_id = $1`
	if _, err := r.Pool.Exec(ctx, q, userID, amount.String()); err != nil {
		return wrapErr("credits.apply_spend", err)
	}
	return nil
}
