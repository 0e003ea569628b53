package harness

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
)

const (
	defaultBestEffortTimeout = 5 * time.Second
	defaultBestEffortWorkers = 8
)

// BestEffort runs side work that must never fail a request.
// Tasks are detached from the caller's cancellation, bounded by a timeout,
// and their errors and panics are only logged. At most workers tasks run at
// once; Go blocks while the pool is full.
type BestEffort struct {
	mu      sync.RWMutex
	pool    *pool.Pool
	workers int
	timeout time.Duration
	logger  zerolog.Logger
}

func NewBestEffort(timeout time.Duration, workers int, logger zerolog.Logger) *BestEffort {
	if timeout <= 0 {
		timeout = defaultBestEffortTimeout
	}
	if workers <= 0 {
		workers = defaultBestEffortWorkers
	}
	return &BestEffort{
		pool:    pool.New().WithMaxGoroutines(workers),
		workers: workers,
		timeout: timeout,
		logger:  logger.With().Str("component", "best_effort").Logger(),
	}
}

// Workers returns the concurrency limit.
func (b *BestEffort) Workers() int { return b.workers }

// Go schedules fn. The context passed to fn keeps ctx's values but not its
// deadline or cancellation.
func (b *BestEffort) Go(ctx context.Context, name string, fn func(context.Context) error) {
	detached := context.WithoutCancel(ctx)
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.pool.Go(func() {
		var pc panics.Catcher
		pc.Try(func() {
			taskCtx, cancel := context.WithTimeout(detached, b.timeout)
			defer cancel()
			if err := fn(taskCtx); err != nil {
				b.logger.Warn().Err(err).Str("task", name).Msg("best-effort task failed")
			}
		})
		if r := pc.Recovered(); r != nil {
			b.logger.Error().Err(r.AsError()).Str("task", name).Msg("best-effort task panicked")
		}
	})
}

// Wait blocks until every task scheduled so far has finished. The runner
// stays usable afterwards.
func (b *BestEffort) Wait() {
	b.mu.Lock()
	current := b.pool
	b.pool = pool.New().WithMaxGoroutines(b.workers)
	b.mu.Unlock()
	current.Wait()
}
