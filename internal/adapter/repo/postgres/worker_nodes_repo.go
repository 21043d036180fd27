package postgres

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
)

// WorkerNodesRepo mirrors worker liveness into SQL for metrics queries.
// Redis heartbeat keys remain the liveness source of truth.
type WorkerNodesRepo struct{ Pool PgxPool }

// NewWorkerNodesRepo constructs a WorkerNodesRepo with the given pool.
func NewWorkerNodesRepo(p PgxPool) *WorkerNodesRepo { return &WorkerNodesRepo{Pool: p} }

// UpsertHeartbeat records the worker's latest heartbeat.
func (r *WorkerNodesRepo) UpsertHeartbeat(ctx context.Context, workerID string) error {
	tracer := otel.Tracer("repo.worker_nodes")
	ctx, span := tracer.Start(ctx, "worker_nodes.UpsertHeartbeat")
	defer span.End()

	q := `INSERT INTO worker_nodes (worker_id, status, last_heartbeat)
	      VALUES ($1, 'active', $2)
	      ON CONFLICT (worker_id) DO UPDATE SET status = 'active', last_heartbeat = EXCLUDED.last_heartbeat`
	if _, err := r.Pool.Exec(ctx, q, workerID, time.Now().UTC()); err != nil {
		return wrapErr("worker_nodes.heartbeat", err)
	}
	return nil
}
