package lease

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingLocker struct{}

func (failingLocker) TryAcquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, errors.New("redis: connection refused")
}

func TestDo_NilLockerRuns(t *testing.T) {
	calls := 0
	ran, err := Do(context.Background(), nil, "expire_offers", time.Minute, func(context.Context) { calls++ })
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, calls)
}

func TestDo_HeldLeaseSkips(t *testing.T) {
	l := NewMemoryLocker()
	release, ok, err := l.TryAcquire(context.Background(), "sweep_stalled", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	calls := 0
	ran, err := Do(context.Background(), l, "sweep_stalled", time.Minute, func(context.Context) { calls++ })
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, calls)
}

func TestDo_ReleasesAfterRun(t *testing.T) {
	l := NewMemoryLocker()
	for i := 0; i < 3; i++ {
		ran, err := Do(context.Background(), l, "release_retry", time.Minute, func(context.Context) {})
		require.NoError(t, err)
		assert.True(t, ran, "run %d", i)
	}
}

func TestDo_BackendErrorStillRuns(t *testing.T) {
	calls := 0
	ran, err := Do(context.Background(), failingLocker{}, "expire_offers", time.Minute, func(context.Context) { calls++ })
	assert.Error(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, calls)
}

func TestMemoryLocker_Expires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLocker()
	l.now = func() time.Time { return now }

	_, ok, _ := l.TryAcquire(context.Background(), "sweep", time.Minute)
	require.True(t, ok)
	_, ok, _ = l.TryAcquire(context.Background(), "sweep", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = l.TryAcquire(context.Background(), "sweep", time.Minute)
	assert.True(t, ok, "expired lease can be taken over")
}

func TestMemoryLocker_StaleReleaseDoesNotDropNewHolder(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLocker()
	l.now = func() time.Time { return now }

	releaseOld, ok, _ := l.TryAcquire(context.Background(), "sweep", time.Minute)
	require.True(t, ok)
	now = now.Add(2 * time.Minute)
	_, ok, _ = l.TryAcquire(context.Background(), "sweep", time.Minute)
	require.True(t, ok)

	releaseOld()
	_, ok, _ = l.TryAcquire(context.Background(), "sweep", time.Minute)
	assert.False(t, ok)
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping redis lease test")
	}
	l, client, err := Connect(url)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	require.NoError(t, l.PingContext(ctx))

	name := "test_" + time.Now().Format("150405.000000")
	release, ok, err := l.TryAcquire(ctx, name, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryAcquire(ctx, name, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	release2, ok, err := l.TryAcquire(ctx, name, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}
