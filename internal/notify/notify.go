// Package notify delivers user notifications and records admin alerts.
//
// Both are fire-and-forget: callers in the offer, escrow and dispute paths
// never wait on delivery and never see a delivery error. Failures are
// logged and counted.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kunsthall/settlement/internal/idgen"
	"github.com/kunsthall/settlement/internal/metrics"
)

// DefaultTimeout bounds a single sink delivery.
const DefaultTimeout = 10 * time.Second

// Notice is one user-facing notification.
type Notice struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Template  string         `json:"template"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Sink delivers notices to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, n *Notice) error
}

// Dispatcher fans notices out to its sinks in the background.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	// mu is read-held while deliveries are added to wg and write-held
	// while closing, so no Add races the final Wait.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over sinks.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:   sinks,
		timeout: DefaultTimeout,
		logger:  logger,
		now:     time.Now,
	}
}

// WithTimeout overrides the per-delivery timeout.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.timeout = timeout
	}
	return d
}

// Notify queues a notice for userID and returns immediately. Delivery
// outlives the caller's request context.
func (d *Dispatcher) Notify(ctx context.Context, userID, template string, payload map[string]any) {
	if userID == "" || len(d.sinks) == 0 {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.NotificationsTotal.WithLabelValues("dispatcher", "dropped").Inc()
		d.logger.Warn("notification dropped after close", "template", template, "user_id", userID)
		return
	}

	n := &Notice{
		ID:        idgen.WithPrefix(idgen.PrefixNotice),
		UserID:    userID,
		Template:  template,
		Payload:   payload,
		CreatedAt: d.now().UTC(),
	}
	base := context.WithoutCancel(ctx)
	for _, sink := range d.sinks {
		d.wg.Add(1)
		go d.send(base, sink, n)
	}
}

func (d *Dispatcher) send(ctx context.Context, sink Sink, n *Notice) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			metrics.NotificationsTotal.WithLabelValues(sink.Name(), "error").Inc()
			d.logger.Error("panic in notification sink", "sink", sink.Name(), "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := sink.Send(ctx, n); err != nil {
		metrics.NotificationsTotal.WithLabelValues(sink.Name(), "error").Inc()
		d.logger.Warn("notification delivery failed",
			"sink", sink.Name(),
			"notice_id", n.ID,
			"template", n.Template,
			"user_id", n.UserID,
			"error", err,
		)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(sink.Name(), "ok").Inc()
}

// Close stops accepting notices and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// Flush waits for in-flight deliveries without closing. Notices queued
// while it waits are included.
func (d *Dispatcher) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wg.Wait()
}

// LogSink writes notices to the structured log. It is the only sink in
// development and a fallback audit trail in production.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, n *Notice) error {
	s.logger.InfoContext(ctx, "notification",
		"notice_id", n.ID,
		"template", n.Template,
		"user_id", n.UserID,
	)
	return nil
}
