package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kunsthall/settlement/internal/lease"
	"github.com/kunsthall/settlement/internal/traces"
)

// Timer periodically flags stalled approvals and sends deadline warnings.
type Timer struct {
	service  *Service
	lead     time.Duration
	interval time.Duration
	locker   lease.Locker
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new escrow sweep timer. lead is how long before the
// deadline parties still missing are warned; zero disables warnings.
func NewTimer(service *Service, lead, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		lead:     lead,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
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

// Start begins the sweep loop. Call in a goroutine.
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

// RunOnce runs both sweeps once, each under its own lease.
func (t *Timer) RunOnce(ctx context.Context) {
	t.safeRun(ctx, "escrow_stalled", func(ctx context.Context) {
		n, err := t.service.SweepStalled(ctx, time.Now())
		if err != nil {
			t.logger.Warn("failed to sweep stalled approvals", "error", err)
			return
		}
		if n > 0 {
			t.logger.Info("flagged stalled approvals", "count", n)
		}
	})
	t.safeRun(ctx, "escrow_deadline_warning", func(ctx context.Context) {
		n, err := t.service.SweepDeadlineWarnings(ctx, time.Now(), t.lead)
		if err != nil {
			t.logger.Warn("failed to sweep approval deadlines", "error", err)
			return
		}
		if n > 0 {
			t.logger.Info("sent approval deadline warnings", "count", n, "lead", t.lead)
		}
	})
}

func (t *Timer) safeRun(ctx context.Context, sweep string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "sweep", sweep, "panic", fmt.Sprint(r))
		}
	}()
	traced := func(ctx context.Context) {
		ctx, span := traces.StartSpan(ctx, "escrow.Sweep", traces.Sweep(sweep))
		defer span.End()
		fn(ctx)
	}
	if _, err := lease.Do(ctx, t.locker, sweep, t.interval, traced); err != nil {
		t.logger.Warn("sweep lease unavailable, ran without it", "sweep", sweep, "error", err)
	}
}
