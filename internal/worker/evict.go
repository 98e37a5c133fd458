package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/bodhi-local/bodhigate/internal/ratelimit"
)

// EvictionSweeper periodically reclaims rate-limiter state for callers that
// have gone idle, bounding the registry's memory to active traffic instead
// of every caller ever seen.
type EvictionSweeper struct {
	limiters *ratelimit.Registry
	interval time.Duration
	maxIdle  time.Duration
	logger   *slog.Logger
}

// NewEvictionSweeper creates an EvictionSweeper that sweeps limiters every
// interval, evicting any idle longer than maxIdle.
func NewEvictionSweeper(limiters *ratelimit.Registry, interval, maxIdle time.Duration, logger *slog.Logger) *EvictionSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &EvictionSweeper{limiters: limiters, interval: interval, maxIdle: maxIdle, logger: logger}
}

// Name implements Worker.
func (e *EvictionSweeper) Name() string { return "eviction_sweeper" }

// Run implements Worker: sweeps until ctx is cancelled.
func (e *EvictionSweeper) Run(ctx context.Context) error {
	if e.limiters == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n := e.limiters.EvictStale(time.Now().Add(-e.maxIdle))
			if n > 0 {
				e.logger.Info("rate limiter entries evicted", "count", n)
			}
		}
	}
}
