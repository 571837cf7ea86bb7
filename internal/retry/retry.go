// Package retry waits for backing services at startup. Settlement operations
// never retry internally; a failed release is picked up again by the next
// sweep.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/kunsthall/settlement/internal/logging"
)

// Policy bounds how long a dependency is waited for.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	// MaxDelay caps the doubled delay. Zero means uncapped.
	MaxDelay time.Duration
}

// StartupPolicy suits a database or Redis container that comes up a few
// seconds after the service in compose and Kubernetes setups.
var StartupPolicy = Policy{Attempts: 6, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do gives up immediately.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a permanent error, ctx ends or the
// attempts run out. Failed attempts are logged with the dependency name.
func Do(ctx context.Context, name string, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts {
			return fmt.Errorf("%s: gave up after %d attempts: %w", name, attempts, err)
		}

		wait := jittered(delay)
		logging.L(ctx).Warn("dependency not ready, retrying",
			"dependency", name,
			"attempt", attempt,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

// jittered spreads d by +-25% so restarted replicas do not reconnect in lockstep.
func jittered(d time.Duration) time.Duration {
	j := int64(d / 4)
	if j <= 0 {
		return d
	}
	return d - time.Duration(j) + time.Duration(rand.Int64N(2*j+1))
}
