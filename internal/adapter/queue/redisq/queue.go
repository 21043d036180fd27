// Package redisq implements the cache-backed distributed queue and the
// worker coordinator on Redis.
//
// Key layout:
//
//	queue:priority:{p}      sorted set, member = job JSON, score = created_at seconds
//	queue:dead_letter       list of job JSON
//	processing:{job_id}     worker_id, TTL 300s
//	worker:{id}:heartbeat   RFC3339 timestamp, TTL 60s
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/chronocoders/indexnode/internal/domain"
)

const (
	maxPriority = 100
	// processingTTL bounds how long a dead worker can hide a claimed job;
	// after expiry the job is eligible for reclamation.
	processingTTL = 300 * time.Second

	deadLetterKey = "queue:dead_letter"
)

func bucketKey(priority int) string { return fmt.Sprintf("queue:priority:%d", priority) }

func processingKey(jobID string) string { return fmt.Sprintf("processing:%s", jobID) }

// dequeueScript pops the oldest member of a bucket and stamps its
// processing marker in one atomic step, so a worker crash between the pop
// and the stamp cannot lose the job.
var dequeueScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then
  return false
end
local job = cjson.decode(popped[1])
redis.call('SET', 'processing:' .. job['id'], ARGV[1], 'EX', tonumber(ARGV[2]))
return popped[1]
`)

// Queue is the Redis-backed distributed priority queue.
type Queue struct{ rdb *redis.Client }

// New constructs a Queue from a Redis URL.
func New(redisURL string) (*Queue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisq.New: %w", err)
	}
	return &Queue{rdb: redis.NewClient(opt)}, nil
}

// NewWithClient wraps an existing client; used by tests and the CLI.
func NewWithClient(rdb *redis.Client) *Queue { return &Queue{rdb: rdb} }

// Close releases the underlying client.
func (q *Queue) Close() error { return q.rdb.Close() }

// Client exposes the underlying connection so the coordinator can share it.
func (q *Queue) Client() *redis.Client { return q.rdb }

// Enqueue adds the job to its priority bucket, scored by creation time so
// that dequeue within a bucket is FIFO.
func (q *Queue) Enqueue(ctx context.Context, j domain.DistributedJob) error {
	tracer := otel.Tracer("queue.redis")
	ctx, span := tracer.Start(ctx, "redisq.Enqueue")
	defer span.End()

	if j.Priority < 0 || j.Priority > maxPriority {
		return fmt.Errorf("op=redisq.enqueue: %w: priority %d", domain.ErrInvalidArgument, j.Priority)
	}
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("op=redisq.enqueue: %w", err)
	}
	err = q.rdb.ZAdd(ctx, bucketKey(j.Priority), redis.Z{
		Score:  float64(j.CreatedAt.Unix()),
		Member: payload,
	}).Err()
	if err != nil {
		return fmt.Errorf("op=redisq.enqueue: %w: %v", domain.ErrTransient, err)
	}
	return nil
}

// Dequeue scans priority buckets high to low and pops the oldest member of
// the first non-empty bucket, leaving a processing marker for workerID.
// Pop and marker are one script invocation.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*domain.DistributedJob, error) {
	tracer := otel.Tracer("queue.redis")
	ctx, span := tracer.Start(ctx, "redisq.Dequeue")
	defer span.End()

	ttlSeconds := int(processingTTL.Seconds())
	for priority := maxPriority; priority >= 0; priority-- {
		raw, err := dequeueScript.Run(ctx, q.rdb, []string{bucketKey(priority)}, workerID, ttlSeconds).Text()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("op=redisq.dequeue: %w: %v", domain.ErrTransient, err)
		}
		var j domain.DistributedJob
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return nil, fmt.Errorf("op=redisq.dequeue: %w: %v", domain.ErrInternal, err)
		}
		return &j, nil
	}
	return nil, nil
}

// Complete removes the processing marker. The job JSON was already popped
// at dequeue time, so this is the job's last trace in the cache.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	tracer := otel.Tracer("queue.redis")
	ctx, span := tracer.Start(ctx, "redisq.Complete")
	defer span.End()

	if err := q.rdb.Del(ctx, processingKey(jobID)).Err(); err != nil {
		return fmt.Errorf("op=redisq.complete: %w: %v", domain.ErrTransient, err)
	}
	return nil
}

// Retry increments the retry counter and either re-enqueues the job or,
// once max_retries is reached, moves it verbatim to the dead-letter list.
// The processing marker is cleared either way so the job never exists in
// two places at once.
func (q *Queue) Retry(ctx context.Context, j domain.DistributedJob) error {
	tracer := otel.Tracer("queue.redis")
	ctx, span := tracer.Start(ctx, "redisq.Retry")
	defer span.End()

	if err := q.rdb.Del(ctx, processingKey(j.ID)).Err(); err != nil {
		return fmt.Errorf("op=redisq.retry: %w: %v", domain.ErrTransient, err)
	}
	j.RetryCount++
	if j.RetryCount >= j.MaxRetries {
		slog.Warn("job exhausted retries, dead-lettering",
			slog.String("job_id", j.ID),
			slog.Int("retry_count", j.RetryCount),
			slog.Int("max_retries", j.MaxRetries))
		return q.deadLetter(ctx, j)
	}
	return q.Enqueue(ctx, j)
}

func (q *Queue) deadLetter(ctx context.Context, j domain.DistributedJob) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("op=redisq.dead_letter: %w", err)
	}
	if err := q.rdb.LPush(ctx, deadLetterKey, payload).Err(); err != nil {
		return fmt.Errorf("op=redisq.dead_letter: %w: %v", domain.ErrTransient, err)
	}
	return nil
}

// DeadLetter returns the dead-lettered jobs, newest first, without
// removing them. Operator tooling only.
func (q *Queue) DeadLetter(ctx context.Context) ([]domain.DistributedJob, error) {
	raws, err := q.rdb.LRange(ctx, deadLetterKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisq.dead_letter_list: %w: %v", domain.ErrTransient, err)
	}
	jobs := make([]domain.DistributedJob, 0, len(raws))
	for _, raw := range raws {
		var j domain.DistributedJob
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return nil, fmt.Errorf("op=redisq.dead_letter_list: %w: %v", domain.ErrInternal, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ReinjectDeadLetter pops up to n jobs off the dead-letter list and
// re-enqueues them with a reset retry counter. Returns how many moved.
func (q *Queue) ReinjectDeadLetter(ctx context.Context, n int) (int, error) {
	moved := 0
	for i := 0; i < n; i++ {
		raw, err := q.rdb.RPop(ctx, deadLetterKey).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("op=redisq.reinject: %w: %v", domain.ErrTransient, err)
		}
		var j domain.DistributedJob
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return moved, fmt.Errorf("op=redisq.reinject: %w: %v", domain.ErrInternal, err)
		}
		j.RetryCount = 0
		if err := q.Enqueue(ctx, j); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}
