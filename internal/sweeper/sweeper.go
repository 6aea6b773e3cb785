// Package sweeper repairs connection rows whose disconnect event was lost to
// a crash or abrupt network drop. Without it the durable directory
// accumulates "live" rows the dispatcher would resolve and fail to reach.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openeats/realtime/internal/domain"
	"github.com/openeats/realtime/internal/metrics"
)

// Sweeper periodically marks stale live connection rows as disconnected.
// Subscription rows are not touched; the live join filters them out.
type Sweeper struct {
	conns     domain.ConnectionRepository
	clock     clockwork.Clock
	interval  time.Duration
	threshold time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New creates a sweeper. threshold is the maximum silence before a live row
// is considered abandoned.
func New(conns domain.ConnectionRepository, clock clockwork.Clock, interval, threshold time.Duration) *Sweeper {
	return &Sweeper{
		conns:     conns,
		clock:     clock,
		interval:  interval,
		threshold: threshold,
		stopCh:    make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if _, err := s.RunOnce(ctx); err != nil {
				slog.Error("Connection sweep failed", "error", err)
			}
		case <-s.stopCh:
			slog.Info("Connection sweeper stopped")
			return
		case <-ctx.Done():
			slog.Info("Connection sweeper context cancelled")
			return
		}
	}
}

// Stop gracefully stops the sweep loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// RunOnce performs a single sweep pass and returns the number of rows
// repaired. Safe to call concurrently with the loop (the repair statement
// is idempotent).
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	start := s.clock.Now()
	cutoff := start.Add(-s.threshold)

	reaped, err := s.conns.MarkStaleDisconnected(ctx, cutoff)

	metrics.SweeperRunsTotal.Inc()
	metrics.SweeperDuration.Observe(s.clock.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("marking stale connections: %w", err)
	}
	metrics.SweeperReapedTotal.Add(float64(reaped))

	if reaped > 0 {
		slog.Info("Stale connections reaped",
			"reaped", reaped,
			"threshold", s.threshold,
		)
	} else {
		slog.Debug("Connection sweep found nothing to reap", "threshold", s.threshold)
	}
	return reaped, nil
}
