package postgres

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/chronocoders/indexnode/internal/domain"
)

// TimestampRepo is the append-only log of on-chain hash commitments.
type TimestampRepo struct{ Pool PgxPool }

// NewTimestampRepo constructs a TimestampRepo with the given pool.
func NewTimestampRepo(p PgxPool) *TimestampRepo { return &TimestampRepo{Pool: p} }

// InsertCommit appends one commitment record.
func (r *TimestampRepo) InsertCommit(ctx context.Context, tc domain.TimestampCommit) error {
	tracer := otel.Tracer("repo.timestamps")
	ctx, span := tracer.Start(ctx, "timestamps.InsertCommit")
	defer span.End()

	committedAt := tc.CommittedAt
	if committedAt.IsZero() {
		committedAt = time.Now().UTC()
	}
	q := `INSERT INTO timestamp_commits (content_hash, transaction_hash, block_number, committed_at)
	      VALUES ($1,$2,$3,$4)`
	if _, err := r.Pool.Exec(ctx, q, tc.ContentHash, tc.TransactionHash, tc.BlockNumber, committedAt); err != nil {
		return wrapErr("timestamps.insert", err)
	}
	return nil
}
