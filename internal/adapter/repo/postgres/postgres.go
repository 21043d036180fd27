// Package postgres implements the durable job queue and the SQL
// repositories backing crawl results, indexed events, CAS mirrors, credit
// mirrors, and timestamp commits.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/chronocoders/indexnode/internal/domain"
)

// PgxPool is the minimal pool surface the repositories need. *pgxpool.Pool
// satisfies it; tests provide stubs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// wrapErr maps a pgx error onto the domain taxonomy and tags it with op.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01" || strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("op=%s: %w: %s", op, domain.ErrTransient, pgErr.Message)
		case pgErr.Code == "23505":
			return fmt.Errorf("op=%s: %w: %s", op, domain.ErrConflict, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "23") || strings.HasPrefix(pgErr.Code, "42"):
			return fmt.Errorf("op=%s: %w: %s", op, domain.ErrInternal, pgErr.Message)
		}
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("op=%s: %w: %v", op, domain.ErrTransient, err)
	}
	return fmt.Errorf("op=%s: %w", op, err)
}
