package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/replicore/core/internal/telemetry"
)

// DefaultSweepInterval is how often the tombstone-expiry job runs. The job
// is idempotent, so the interval is an operational choice, not a
// correctness one.
const DefaultSweepInterval = time.Hour

// Sweeper periodically removes tombstones past their 90-day TTL.
type Sweeper struct {
	store    Backend
	interval time.Duration
	log      *slog.Logger
	metrics  *telemetry.Metrics
}

// NewSweeper builds a Sweeper over store. A zero interval uses
// DefaultSweepInterval.
func NewSweeper(store Backend, interval time.Duration, log *slog.Logger, metrics *telemetry.Metrics) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{store: store, interval: interval, log: log, metrics: metrics}
}

// Run sweeps on the configured interval until ctx is cancelled. One sweep
// runs immediately on start.
func (s *Sweeper) Run(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.Warn("tombstone sweep failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Warn("tombstone sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single sweep and returns how many tombstones were
// pruned.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	pruned, err := s.store.PruneExpiredTombstones(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		s.log.Info("pruned expired tombstones", "count", pruned)
	}
	s.metrics.RecordPruned(ctx, pruned)
	return pruned, nil
}
