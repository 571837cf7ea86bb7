// Package lease keeps overlapping service instances from running the same
// periodic sweep at the same moment. Sweeps are idempotent, so a lease only
// saves duplicate work and duplicate notifications; losing it is never a
// correctness problem.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kunsthall/settlement/internal/idgen"
	"github.com/kunsthall/settlement/internal/metrics"
)

const keyPrefix = "settlement:lease:"

// Locker hands out named, expiring leases.
type Locker interface {
	// TryAcquire returns acquired=false without error when another holder
	// has the lease. release is non-nil only when acquired.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func(), acquired bool, err error)
}

// Do runs fn under the named lease. A nil Locker always runs fn. If the
// lease backend errors, fn still runs: skipping a sweep because Redis is down
// would stall expiries and releases for no safety gain.
func Do(ctx context.Context, l Locker, name string, ttl time.Duration, fn func(ctx context.Context)) (ran bool, err error) {
	if l == nil {
		fn(ctx)
		return true, nil
	}
	release, ok, err := l.TryAcquire(ctx, name, ttl)
	if err != nil {
		fn(ctx)
		return true, err
	}
	if !ok {
		metrics.SweepSkippedTotal.WithLabelValues(name).Inc()
		return false, nil
	}
	defer release()
	fn(ctx)
	return true, nil
}

// releaseScript deletes the key only if we still own it, so an expired lease
// re-acquired by another instance is not released from under it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Connect parses a redis:// URL and returns a locker plus the client for
// health checks and shutdown.
func Connect(redisURL string) (*RedisLocker, *redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return NewRedisLocker(client), client, nil
}

func (r *RedisLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := keyPrefix + name
	token := idgen.New()

	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// Detached so a cancelled sweep context still frees the lease.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, r.client, []string{key}, token).Err()
	}
	return release, true, nil
}

// PingContext satisfies health.Pinger.
func (r *RedisLocker) PingContext(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// MemoryLocker is an in-process Locker for development and tests.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryLocker) TryAcquire(_ context.Context, name string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		return nil, false, errors.New("lease ttl must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if until, held := m.leases[name]; held && m.now().Before(until) {
		return nil, false, nil
	}
	until := m.now().Add(ttl)
	m.leases[name] = until

	release := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.leases[name].Equal(until) {
			delete(m.leases, name)
		}
	}
	return release, true, nil
}
