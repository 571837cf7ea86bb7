package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kunsthall/settlement/internal/lease"
	"github.com/kunsthall/settlement/internal/traces"
)

// DefaultRetryBatch bounds how many releases one retry pass attempts.
const DefaultRetryBatch = 50

// Timer periodically retries releases that did not complete when the
// second approval landed.
type Timer struct {
	executor *Executor
	interval time.Duration
	batch    int
	locker   lease.Locker
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a release retry timer.
func NewTimer(executor *Executor, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		executor: executor,
		interval: interval,
		batch:    DefaultRetryBatch,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithLocker makes the timer skip runs while another instance holds the lease.
func (t *Timer) WithLocker(l lease.Locker) *Timer {
	t.locker = l
	return t
}

// WithBatch overrides the per-pass release limit.
func (t *Timer) WithBatch(n int) *Timer {
	if n > 0 {
		t.batch = n
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the retry loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.RunOnce(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

// RunOnce performs a single retry pass under the sweep lease.
func (t *Timer) RunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in settlement retry timer", "panic", fmt.Sprint(r))
		}
	}()

	_, err := lease.Do(ctx, t.locker, "settlement_retry", t.interval, func(ctx context.Context) {
		ctx, span := traces.StartSpan(ctx, "settlement.Sweep", traces.Sweep("settlement_retry"))
		defer span.End()

		n, err := t.executor.RetryPending(ctx, t.batch)
		if err != nil {
			t.logger.Warn("failed to retry pending releases", "error", err)
			return
		}
		if n > 0 {
			t.logger.Info("released pending settlements", "count", n)
		}
	})
	if err != nil {
		t.logger.Warn("sweep lease unavailable, ran without it", "sweep", "settlement_retry", "error", err)
	}
}
