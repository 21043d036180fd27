// Package worker runs the job-processing runtime: claim loops over both
// queues, the pipeline handlers, liveness heartbeats, and the stuck-job
// sweeper.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/chronocoders/indexnode/internal/domain"
	"github.com/chronocoders/indexnode/internal/observability"
)

const dequeueErrorBackoff = 5 * time.Second

// CrawlStore persists crawl pipeline output.
type CrawlStore interface {
	InsertBatch(ctx context.Context, jobID string, links []string) error
}

// EventStore persists index pipeline output.
type EventStore interface {
	InsertEvent(ctx context.Context, ev domain.BlockchainEvent) (string, error)
	UpsertCASObject(ctx context.Context, obj domain.CASObject) error
	InsertExtraction(ctx context.Context, ex domain.AIExtraction) error
}

// CreditStore resolves users to chain addresses and mirrors debits.
type CreditStore interface {
	ChainAddress(ctx context.Context, userID string) (string, error)
	ApplySpend(ctx context.Context, userID string, amount *big.Int) error
}

// TimestampStore records successful on-chain hash commits.
type TimestampStore interface {
	InsertCommit(ctx context.Context, tc domain.TimestampCommit) error
}

// Coordinator is the cache-side worker registry.
type Coordinator interface {
	RegisterWorker(ctx context.Context, workerID string) error
	Heartbeat(ctx context.Context, workerID string) error
	ActiveWorkers(ctx context.Context) ([]string, error)
	QueueStats(ctx context.Context) (map[string]int64, error)
}

// NodeRegistry is the durable-side worker registry.
type NodeRegistry interface {
	UpsertHeartbeat(ctx context.Context, workerID string) error
}

// Config bounds the runtime's claim behavior.
type Config struct {
	WorkerID          string
	PollInterval      time.Duration
	MaxConcurrentJobs int
	HeartbeatInterval time.Duration
	StatsInterval     time.Duration
}

// Deps are the ports the runtime drives. Publisher, Extractor, Credits,
// and Registry may be nil; the pipelines skip the corresponding steps.
type Deps struct {
	Durable     domain.JobQueue
	Distributed domain.DistributedQueue
	Crawler     domain.Crawler
	Chain       domain.ChainReader
	CAS         domain.CASClient
	Extractor   domain.Extractor
	Credits     domain.CreditLedger
	Registry    domain.TimestampRegistry
	Publisher   domain.EventPublisher
	Crawls      CrawlStore
	Events      EventStore
	Ledger      CreditStore
	Timestamps  TimestampStore
	Coordinator Coordinator
	Nodes       NodeRegistry
}

// Runtime claims jobs and dispatches them to the pipeline handlers.
type Runtime struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	crawlCost *big.Int
	indexCost *big.Int
}

// New builds a Runtime. Costs are the per-job-class debits applied at
// dispatch time.
func New(cfg Config, deps Deps, crawlCost, indexCost *big.Int, log *slog.Logger) *Runtime {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Runtime{cfg: cfg, deps: deps, log: log, crawlCost: crawlCost, indexCost: indexCost}
}

// Run registers the worker and blocks processing jobs until ctx is
// canceled.
func (r *Runtime) Run(ctx context.Context) error {
	if r.deps.Coordinator != nil {
		if err := r.deps.Coordinator.RegisterWorker(ctx, r.cfg.WorkerID); err != nil {
			return fmt.Errorf("op=worker.run: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.MaxConcurrentJobs; i++ {
		g.Go(func() error { return r.claimLoop(ctx) })
	}
	if r.deps.Coordinator != nil && r.cfg.HeartbeatInterval > 0 {
		g.Go(func() error { return r.heartbeatLoop(ctx) })
	}
	if r.deps.Coordinator != nil && r.cfg.StatsInterval > 0 {
		g.Go(func() error { return r.statsLoop(ctx) })
	}
	return g.Wait()
}

// claimLoop prefers the cache queue and falls back to the durable queue,
// so jobs whose mirror write failed are still picked up.
func (r *Runtime) claimLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		claimed, err := r.claimOne(ctx)
		if err != nil {
			r.log.Error("dequeue failed", slog.Any("error", err))
			sleepCtx(ctx, dequeueErrorBackoff)
			continue
		}
		if !claimed {
			sleepCtx(ctx, r.cfg.PollInterval)
		}
	}
}

func (r *Runtime) claimOne(ctx context.Context) (bool, error) {
	dj, err := r.deps.Distributed.Dequeue(ctx, r.cfg.WorkerID)
	if err != nil {
		return false, err
	}
	if dj != nil {
		r.processDistributed(ctx, *dj)
		return true, nil
	}

	j, err := r.deps.Durable.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}
	r.processDurable(ctx, *j)
	return true, nil
}

// processDistributed handles a cache-queue ticket. The durable row is the
// shared record: it is moved to processing on claim, completed on success,
// and failed on permanent errors. Transient errors go back through Retry;
// an exhausted ticket lands in dead-letter and the durable row is left for
// the sweeper.
func (r *Runtime) processDistributed(ctx context.Context, dj domain.DistributedJob) {
	tracer := otel.Tracer("worker.runtime")
	ctx, span := tracer.Start(ctx, "worker.ProcessJob")
	defer span.End()

	log := r.log.With(slog.String("job_id", dj.ID), slog.String("job_type", dj.JobType))
	log.Info("job claimed", slog.String("source", "cache"), slog.Int("retry_count", dj.RetryCount))

	if err := r.deps.Durable.UpdateStatus(ctx, dj.ID, domain.JobProcessing, ""); err != nil && !isNotFound(err) {
		log.Warn("durable status update failed", slog.Any("error", err))
	}

	job, err := r.deps.Durable.Get(ctx, dj.ID)
	if err != nil && !isNotFound(err) {
		log.Warn("durable lookup failed", slog.Any("error", err))
	}
	userID := job.UserID

	start := time.Now()
	summary, err := r.dispatch(ctx, dj.ID, userID, domain.JobType(dj.JobType), dj.Payload)
	r.observe(domain.JobType(dj.JobType), start, err)

	switch {
	case err == nil:
		if cerr := r.deps.Durable.Complete(ctx, dj.ID, summary); cerr != nil && !isNotFound(cerr) {
			log.Error("durable complete failed", slog.Any("error", cerr))
		}
		if cerr := r.deps.Distributed.Complete(ctx, dj.ID); cerr != nil {
			log.Warn("processing marker cleanup failed", slog.Any("error", cerr))
		}
		log.Info("job completed", slog.Duration("elapsed", time.Since(start)))

	case domain.Retryable(err):
		log.Warn("job failed, retrying", slog.Any("error", err))
		if rerr := r.deps.Distributed.Retry(ctx, dj); rerr != nil {
			log.Error("retry enqueue failed", slog.Any("error", rerr))
		}

	default:
		log.Error("job failed permanently", slog.Any("error", err))
		if uerr := r.deps.Durable.UpdateStatus(ctx, dj.ID, domain.JobFailed, err.Error()); uerr != nil && !isNotFound(uerr) {
			log.Error("durable fail update failed", slog.Any("error", uerr))
		}
		if cerr := r.deps.Distributed.Complete(ctx, dj.ID); cerr != nil {
			log.Warn("processing marker cleanup failed", slog.Any("error", cerr))
		}
	}
}

// processDurable handles a row claimed straight from SQL. There is no
// cache ticket to retry through, so any handler error fails the job.
func (r *Runtime) processDurable(ctx context.Context, job domain.Job) {
	tracer := otel.Tracer("worker.runtime")
	ctx, span := tracer.Start(ctx, "worker.ProcessJob")
	defer span.End()

	log := r.log.With(slog.String("job_id", job.ID), slog.String("job_type", string(job.Config.JobType)))
	log.Info("job claimed", slog.String("source", "durable"))

	start := time.Now()
	summary, err := r.dispatch(ctx, job.ID, job.UserID, job.Config.JobType, job.Config.Params)
	r.observe(job.Config.JobType, start, err)

	if err != nil {
		log.Error("job failed", slog.Any("error", err))
		if uerr := r.deps.Durable.UpdateStatus(ctx, job.ID, domain.JobFailed, err.Error()); uerr != nil {
			log.Error("durable fail update failed", slog.Any("error", uerr))
		}
		return
	}
	if cerr := r.deps.Durable.Complete(ctx, job.ID, summary); cerr != nil {
		log.Error("durable complete failed", slog.Any("error", cerr))
		return
	}
	if cerr := r.deps.Distributed.Complete(ctx, job.ID); cerr != nil {
		log.Warn("processing marker cleanup failed", slog.Any("error", cerr))
	}
	log.Info("job completed", slog.Duration("elapsed", time.Since(start)))
}

// dispatch is an exhaustive switch over the known job types.
func (r *Runtime) dispatch(ctx context.Context, jobID, userID string, t domain.JobType, params json.RawMessage) (json.RawMessage, error) {
	switch t {
	case domain.JobTypeHTTPCrawl:
		return r.runHTTPCrawl(ctx, jobID, userID, params)
	case domain.JobTypeBlockchainIndex:
		return r.runBlockchainIndex(ctx, jobID, userID, params)
	default:
		return nil, fmt.Errorf("op=worker.dispatch: %w: unknown job type %q", domain.ErrInvalidArgument, t)
	}
}

func (r *Runtime) observe(t domain.JobType, start time.Time, err error) {
	outcome := "completed"
	if err != nil {
		outcome = string(domain.Classify(err))
	}
	observability.JobProcessingDuration.WithLabelValues(string(t), outcome).Observe(time.Since(start).Seconds())
}

func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.deps.Coordinator.Heartbeat(ctx, r.cfg.WorkerID); err != nil {
				r.log.Warn("heartbeat failed", slog.Any("error", err))
			}
			if r.deps.Nodes != nil {
				if err := r.deps.Nodes.UpsertHeartbeat(ctx, r.cfg.WorkerID); err != nil {
					r.log.Warn("node heartbeat failed", slog.Any("error", err))
				}
			}
		}
	}
}

func (r *Runtime) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if workers, err := r.deps.Coordinator.ActiveWorkers(ctx); err == nil {
				observability.ActiveWorkers.Set(float64(len(workers)))
			}
			if stats, err := r.deps.Coordinator.QueueStats(ctx); err == nil {
				for bucket, depth := range stats {
					observability.QueueDepth.WithLabelValues(bucket).Set(float64(depth))
				}
			}
		}
	}
}

func isNotFound(err error) bool { return domain.Classify(err) == domain.FailureNotFound }

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
