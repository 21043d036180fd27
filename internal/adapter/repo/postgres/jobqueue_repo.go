package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/chronocoders/indexnode/internal/domain"
)

// JobQueueRepo is the durable SQL-backed job queue.
type JobQueueRepo struct{ Pool PgxPool }

// NewJobQueueRepo constructs a JobQueueRepo with the given pool.
func NewJobQueueRepo(p PgxPool) *JobQueueRepo { return &JobQueueRepo{Pool: p} }

const jobColumns = `id, user_id, status, priority, config, created_at, scheduled_at, started_at, completed_at, retry_count, COALESCE(error,''), result_summary`

// Enqueue inserts a job with status queued and returns its id.
func (r *JobQueueRepo) Enqueue(ctx context.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Enqueue")
	defer span.End()

	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	cfg, err := json.Marshal(j.Config)
	if err != nil {
		return "", wrapErr("job.enqueue", err)
	}
	createdAt := j.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	q := `INSERT INTO jobs (id, user_id, status, priority, config, created_at, retry_count)
	      VALUES ($1,$2,$3,$4,$5,$6,0)`
	if _, err := r.Pool.Exec(ctx, q, id, j.UserID, domain.JobQueued, j.Priority, cfg, createdAt); err != nil {
		return "", wrapErr("job.enqueue", err)
	}
	return id, nil
}

// Dequeue atomically claims the single highest-priority queued job.
// Selection and mutation are one statement so that concurrent workers never
// observe the same row; SKIP LOCKED makes contending workers fall through
// to nil instead of blocking.
func (r *JobQueueRepo) Dequeue(ctx context.Context) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Dequeue")
	defer span.End()

	q := `UPDATE jobs SET status = 'processing', started_at = NOW()
	      WHERE id = (
	          SELECT id FROM jobs
	          WHERE status = 'queued'
	          ORDER BY priority DESC, created_at ASC
	          LIMIT 1 FOR UPDATE SKIP LOCKED
	      ) RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapErr("job.dequeue", err)
	}
	return &j, nil
}

// UpdateStatus transitions a job, stamping started_at on the processing
// transition and completed_at on terminal states. Cache-claimed jobs enter
// processing through here rather than Dequeue, and the stuck-job sweep
// keys off started_at, so the stamp must happen on both paths.
func (r *JobQueueRepo) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errMsg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()

	q := `UPDATE jobs SET status = $2,
	        started_at = CASE WHEN $2 = 'processing' THEN COALESCE(started_at, NOW()) ELSE started_at END,
	        completed_at = CASE WHEN $2 IN ('completed','failed') THEN NOW() ELSE completed_at END,
	        error = NULLIF($3, '')
	      WHERE id = $1`
	tag, err := r.Pool.Exec(ctx, q, id, status, errMsg)
	if err != nil {
		return wrapErr("job.update_status", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapErr("job.update_status", pgx.ErrNoRows)
	}
	return nil
}

// Complete marks a job completed and stores its result summary.
func (r *JobQueueRepo) Complete(ctx context.Context, id string, resultSummary json.RawMessage) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()

	q := `UPDATE jobs SET status = 'completed', completed_at = NOW(), result_summary = $2 WHERE id = $1`
	tag, err := r.Pool.Exec(ctx, q, id, resultSummary)
	if err != nil {
		return wrapErr("job.complete", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapErr("job.complete", pgx.ErrNoRows)
	}
	return nil
}

// Get loads a job by id.
func (r *JobQueueRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()

	j, err := scanJob(r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return domain.Job{}, wrapErr("job.get", err)
	}
	return j, nil
}

// FailStuckProcessing fails jobs that entered processing before cutoff and
// never reached a terminal state. This is the durable-side reclamation for
// workers that died mid-job.
func (r *JobQueueRepo) FailStuckProcessing(ctx context.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FailStuckProcessing")
	defer span.End()

	q := `UPDATE jobs SET status = 'failed', completed_at = NOW(),
	        error = 'processing exceeded maximum age'
	      WHERE status = 'processing' AND started_at < $1`
	tag, err := r.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, wrapErr("job.fail_stuck", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j       domain.Job
		cfg     []byte
		summary []byte
	)
	if err := row.Scan(&j.ID, &j.UserID, &j.Status, &j.Priority, &cfg, &j.CreatedAt,
		&j.ScheduledAt, &j.StartedAt, &j.CompletedAt, &j.RetryCount, &j.Error, &summary); err != nil {
		return domain.Job{}, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &j.Config); err != nil {
			return domain.Job{}, err
		}
	}
	j.ResultSummary = summary
	return j, nil
}
