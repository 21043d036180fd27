// Package usecase wires submission and admission on top of the domain
// ports. Handlers and CLI commands call into here; adapters never do.
package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"

	"github.com/chronocoders/indexnode/internal/domain"
)

const (
	minPriority       = 0
	maxPriority       = 100
	defaultMaxRetries = 3
)

// CreditDirectory resolves a platform user to an on-chain address.
type CreditDirectory interface {
	ChainAddress(ctx context.Context, userID string) (string, error)
}

// Costs holds per-job-class admission prices in credit base units.
type Costs struct {
	Crawl      *big.Int
	EventIndex *big.Int
}

func (c Costs) forType(t domain.JobType) *big.Int {
	switch t {
	case domain.JobTypeHTTPCrawl:
		return c.Crawl
	case domain.JobTypeBlockchainIndex:
		return c.EventIndex
	default:
		return nil
	}
}

// Submitter validates, admits, and enqueues jobs. A job is written to the
// durable queue first and mirrored into the cache queue after; the durable
// row is the source of truth if the mirror write fails.
type Submitter struct {
	jobs     domain.JobQueue
	dist     domain.DistributedQueue
	credits  domain.CreditLedger
	dir      CreditDirectory
	costs    Costs
	validate *validator.Validate
	log      *slog.Logger
}

// NewSubmitter builds a Submitter. credits and dir may be nil, which
// disables credit admission (useful for local development).
func NewSubmitter(jobs domain.JobQueue, dist domain.DistributedQueue, credits domain.CreditLedger, dir CreditDirectory, costs Costs, log *slog.Logger) *Submitter {
	return &Submitter{
		jobs:     jobs,
		dist:     dist,
		credits:  credits,
		dir:      dir,
		costs:    costs,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

// Submit validates cfg, checks the user's on-chain credit balance against
// the job-class cost, and enqueues the job in both queues. The returned id
// identifies the durable row.
func (s *Submitter) Submit(ctx context.Context, userID string, cfg domain.JobConfig, priority int) (string, error) {
	tracer := otel.Tracer("usecase.submit")
	ctx, span := tracer.Start(ctx, "submit.Submit")
	defer span.End()

	if userID == "" {
		return "", fmt.Errorf("op=submit: %w: empty user id", domain.ErrInvalidArgument)
	}
	if err := s.validateParams(cfg); err != nil {
		return "", err
	}
	if priority < minPriority {
		priority = minPriority
	}
	if priority > maxPriority {
		priority = maxPriority
	}
	if err := s.admit(ctx, userID, cfg.JobType); err != nil {
		return "", err
	}

	id, err := s.jobs.Enqueue(ctx, domain.Job{
		UserID:   userID,
		Status:   domain.JobQueued,
		Priority: priority,
		Config:   cfg,
	})
	if err != nil {
		return "", fmt.Errorf("op=submit: %w", err)
	}

	mirror := domain.DistributedJob{
		ID:         id,
		JobType:    string(cfg.JobType),
		Payload:    cfg.Params,
		Priority:   priority,
		MaxRetries: defaultMaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.dist.Enqueue(ctx, mirror); err != nil {
		// The durable row survives; the sweep or a poll-based worker will
		// still pick the job up.
		s.log.Warn("cache queue mirror failed",
			slog.String("job_id", id), slog.Any("error", err))
	}
	return id, nil
}

func (s *Submitter) validateParams(cfg domain.JobConfig) error {
	switch cfg.JobType {
	case domain.JobTypeHTTPCrawl:
		var p domain.HTTPCrawlParams
		if err := json.Unmarshal(cfg.Params, &p); err != nil {
			return fmt.Errorf("op=submit: %w: params: %v", domain.ErrInvalidArgument, err)
		}
		if err := s.validate.Struct(p); err != nil {
			return fmt.Errorf("op=submit: %w: %v", domain.ErrInvalidArgument, err)
		}
	case domain.JobTypeBlockchainIndex:
		var p domain.BlockchainIndexParams
		if err := json.Unmarshal(cfg.Params, &p); err != nil {
			return fmt.Errorf("op=submit: %w: params: %v", domain.ErrInvalidArgument, err)
		}
		if err := s.validate.Struct(p); err != nil {
			return fmt.Errorf("op=submit: %w: %v", domain.ErrInvalidArgument, err)
		}
		if p.ToBlock != nil && *p.ToBlock < p.FromBlock {
			return fmt.Errorf("op=submit: %w: to_block %d below from_block %d", domain.ErrInvalidArgument, *p.ToBlock, p.FromBlock)
		}
	default:
		return fmt.Errorf("op=submit: %w: unknown job type %q", domain.ErrInvalidArgument, cfg.JobType)
	}
	return nil
}

// admit rejects submission when the user's on-chain balance cannot cover
// the job-class cost. The actual debit happens at dispatch time.
func (s *Submitter) admit(ctx context.Context, userID string, t domain.JobType) error {
	if s.credits == nil || s.dir == nil {
		return nil
	}
	cost := s.costs.forType(t)
	if cost == nil {
		return nil
	}
	addr, err := s.dir.ChainAddress(ctx, userID)
	if err != nil {
		return fmt.Errorf("op=submit.admit: %w", err)
	}
	if addr == "" {
		return fmt.Errorf("op=submit.admit: %w: user %s has no chain address", domain.ErrInsufficientCredits, userID)
	}
	balance, err := s.credits.Balance(ctx, addr)
	if err != nil {
		return fmt.Errorf("op=submit.admit: %w", err)
	}
	if balance.Cmp(cost) < 0 {
		return fmt.Errorf("op=submit.admit: %w: balance %s below cost %s", domain.ErrInsufficientCredits, balance, cost)
	}
	return nil
}

// GetJob reads one durable job row.
func (s *Submitter) GetJob(ctx context.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("usecase.submit")
	ctx, span := tracer.Start(ctx, "submit.GetJob")
	defer span.End()

	return s.jobs.Get(ctx, id)
}

// GetResult returns the result summary of a completed job. A job that has
// not reached a terminal state yields ErrNotFound so callers can poll.
func (s *Submitter) GetResult(ctx context.Context, id string) (json.RawMessage, error) {
	tracer := otel.Tracer("usecase.submit")
	ctx, span := tracer.Start(ctx, "submit.GetResult")
	defer span.End()

	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !j.Status.Terminal() {
		return nil, fmt.Errorf("op=submit.result: %w: job %s still %s", domain.ErrNotFound, id, j.Status)
	}
	if j.Status == domain.JobFailed {
		return nil, fmt.Errorf("op=submit.result: %w: job failed: %s", domain.ErrPermanentUpstream, j.Error)
	}
	return j.ResultSummary, nil
}
