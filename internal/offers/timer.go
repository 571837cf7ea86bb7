package offers

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kunsthall/settlement/internal/lease"
	"github.com/kunsthall/settlement/internal/traces"
)

// Timer periodically expires stale pending offers.
type Timer struct {
	service   *Service
	threshold time.Duration
	interval  time.Duration
	locker    lease.Locker
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewTimer creates a new offer expiry timer.
func NewTimer(service *Service, threshold, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		service:   service,
		threshold: threshold,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// WithLocker makes the timer skip runs while another instance holds the lease.
func (t *Timer) WithLocker(l lease.Locker) *Timer {
	t.locker = l
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the expiry loop. Call in a goroutine.
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

// RunOnce performs a single expiry pass under the sweep lease.
func (t *Timer) RunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in offer expiry timer", "panic", fmt.Sprint(r))
		}
	}()

	_, err := lease.Do(ctx, t.locker, "expire_offers", t.interval, func(ctx context.Context) {
		ctx, span := traces.StartSpan(ctx, "offers.Sweep", traces.Sweep("expire_offers"))
		defer span.End()

		n, err := t.service.ExpireStale(ctx, time.Now().UTC(), t.threshold)
		if err != nil {
			t.logger.Warn("failed to expire stale offers", "error", err)
			return
		}
		if n > 0 {
			t.logger.Info("expired stale offers", "count", n, "threshold", t.threshold)
		}
	})
	if err != nil {
		t.logger.Warn("sweep lease unavailable, ran without it", "sweep", "expire_offers", "error", err)
	}
}
