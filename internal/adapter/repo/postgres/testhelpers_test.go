package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub satisfies pgx.Row with a canned scan function.
type rowStub struct {
	err  error
	scan func(dest ...any) error
}

func (r rowStub) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.scan == nil {
		return nil
	}
	return r.scan(dest...)
}

// poolStub records the statements the repos issue and replays canned
// results.
type poolStub struct {
	execTag  pgconn.CommandTag
	execErr  error
	row      pgx.Row
	queryErr error

	sqls []string
	args [][]any
}

func (p *poolStub) record(sql string, a []any) {
	p.sqls = append(p.sqls, sql)
	p.args = append(p.args, a)
}

func (p *poolStub) lastSQL() string {
	if len(p.sqls) == 0 {
		return ""
	}
	return p.sqls[len(p.sqls)-1]
}

func (p *poolStub) lastArgs() []any {
	if len(p.args) == 0 {
		return nil
	}
	return p.args[len(p.args)-1]
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.record(sql, args)
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.record(sql, args)
	if p.row != nil {
		return p.row
	}
	return rowStub{err: pgx.ErrNoRows}
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.record(sql, args)
	return nil, p.queryErr
}
