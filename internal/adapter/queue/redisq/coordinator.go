package redisq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chronocoders/indexnode/internal/domain"
)

// heartbeatTTL is double the expected heartbeat cadence (30s), so one
// missed beat does not declare a worker dead.
const heartbeatTTL = 60 * time.Second

func heartbeatKey(workerID string) string { return fmt.Sprintf("worker:%s:heartbeat", workerID) }

// Coordinator tracks worker liveness and queue depth. It never makes
// scheduling decisions; liveness is gossip only.
type Coordinator struct{ rdb *redis.Client }

// NewCoordinator constructs a Coordinator from a Redis URL.
func NewCoordinator(redisURL string) (*Coordinator, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=coordinator.New: %w", err)
	}
	return &Coordinator{rdb: redis.NewClient(opt)}, nil
}

// NewCoordinatorWithClient wraps an existing client.
func NewCoordinatorWithClient(rdb *redis.Client) *Coordinator { return &Coordinator{rdb: rdb} }

// RegisterWorker marks the worker live. Registration and heartbeat are the
// same write: a TTL-bound key whose absence means dead.
func (c *Coordinator) RegisterWorker(ctx context.Context, workerID string) error {
	err := c.rdb.Set(ctx, heartbeatKey(workerID), time.Now().UTC().Format(time.RFC3339), heartbeatTTL).Err()
	if err != nil {
		return fmt.Errorf("op=coordinator.register: %w: %v", domain.ErrTransient, err)
	}
	return nil
}

// Heartbeat refreshes the worker's liveness key.
func (c *Coordinator) Heartbeat(ctx context.Context, workerID string) error {
	return c.RegisterWorker(ctx, workerID)
}

// ActiveWorkers lists workers with a live heartbeat key.
func (c *Coordinator) ActiveWorkers(ctx context.Context) ([]string, error) {
	keys, err := c.rdb.Keys(ctx, "worker:*:heartbeat").Result()
	if err != nil {
		return nil, fmt.Errorf("op=coordinator.active_workers: %w: %v", domain.ErrTransient, err)
	}
	workers := make([]string, 0, len(keys))
	for _, k := range keys {
		id := strings.TrimSuffix(strings.TrimPrefix(k, "worker:"), ":heartbeat")
		if id != k {
			workers = append(workers, id)
		}
	}
	return workers, nil
}

// QueueStats reports the cardinality of every non-empty priority bucket
// plus the dead-letter length, keyed by bucket name.
func (c *Coordinator) QueueStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	for priority := 0; priority <= maxPriority; priority++ {
		count, err := c.rdb.ZCard(ctx, bucketKey(priority)).Result()
		if err != nil {
			return nil, fmt.Errorf("op=coordinator.queue_stats: %w: %v", domain.ErrTransient, err)
		}
		if count > 0 {
			stats[bucketKey(priority)] = count
		}
	}
	dead, err := c.rdb.LLen(ctx, deadLetterKey).Result()
	if err != nil {
		return nil, fmt.Errorf("op=coordinator.queue_stats: %w: %v", domain.ErrTransient, err)
	}
	stats["dead_letter"] = dead
	return stats, nil
}
