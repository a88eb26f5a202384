// Package sweep periodically deletes link codes past expiry plus a grace
// window. The claim path never depends on the sweep running; it is hygiene
// for the shared store, not correctness.
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crosslinkmc/crosslink/internal/store"
)

// Sweeper runs the reap loop.
type Sweeper struct {
	mu       sync.Mutex
	codes    *store.LinkCodeStore
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(codes *store.LinkCodeStore, interval, grace time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		codes:    codes,
		interval: interval,
		grace:    grace,
		logger:   logger,
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop gracefully stops the sweep loop.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Tick runs one reap pass. Exposed so the sweep subcommand can run a single
// pass from a separate process.
func (s *Sweeper) Tick(ctx context.Context) {
	count, err := s.codes.DeleteExpired(ctx, time.Now(), s.grace)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("swept expired link codes", "count", count)
	}
}
