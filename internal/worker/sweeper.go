package worker

import (
	"context"
	"log/slog"
	"time"
)

// StuckJobStore fails durable jobs stranded in processing, returning the
// number of rows changed.
type StuckJobStore interface {
	FailStuckProcessing(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper reconciles durable rows left in processing by crashed workers.
// The cache queue already self-heals through marker TTLs; this covers the
// SQL side, where a claim has no expiry.
type Sweeper struct {
	store    StuckJobStore
	maxAge   time.Duration
	interval time.Duration
	log      *slog.Logger
}

// NewSweeper builds a Sweeper failing jobs processing longer than maxAge.
func NewSweeper(store StuckJobStore, maxAge, interval time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{store: store, maxAge: maxAge, interval: interval, log: log}
}

// Run sweeps on the configured interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.maxAge)
	n, err := s.store.FailStuckProcessing(ctx, cutoff)
	if err != nil {
		s.log.Error("sweep failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		s.log.Warn("failed stuck jobs", slog.Int64("count", n),
			slog.Time("cutoff", cutoff))
	}
}
