package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move past the open duration without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, open)
	b.now = clock.Now
	return b, clock
}

var errUpstream = errors.New("upstream 503")

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	assert.True(t, b.Allow("transfer"))
	assert.Equal(t, StateClosed, b.State("transfer"))
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("transfer")
	b.RecordFailure("transfer")
	assert.True(t, b.Allow("transfer"))

	b.RecordFailure("transfer")
	assert.False(t, b.Allow("transfer"))
	assert.Equal(t, StateOpen, b.State("transfer"))
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)
	b.RecordFailure("transfer")
	b.RecordFailure("transfer")
	require.False(t, b.Allow("transfer"))

	clock.Advance(time.Minute)
	assert.True(t, b.Allow("transfer"), "one trial after open duration")
	assert.Equal(t, StateHalfOpen, b.State("transfer"))
	assert.False(t, b.Allow("transfer"), "second caller waits for the trial")

	b.RecordSuccess("transfer")
	assert.Equal(t, StateClosed, b.State("transfer"))
	assert.True(t, b.Allow("transfer"))
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)
	b.RecordFailure("transfer")
	b.RecordFailure("transfer")
	clock.Advance(time.Minute)
	require.True(t, b.Allow("transfer"))

	b.RecordFailure("transfer")
	assert.Equal(t, StateOpen, b.State("transfer"))
	assert.False(t, b.Allow("transfer"))
}

func TestBreaker_KeysIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("transfer")
	assert.False(t, b.Allow("transfer"))
	assert.True(t, b.Allow("account"))
}

func TestExecute_OpenCircuitSkipsCall(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	err := b.Execute("transfer", func() error { return errUpstream })
	assert.ErrorIs(t, err, errUpstream)

	called := false
	err = b.Execute("transfer", func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestExecute_IgnoredErrorsDoNotTrip(t *testing.T) {
	declined := errors.New("card_declined")
	b, _ := newTestBreaker(1, time.Minute)
	b.IsFailure = func(err error) bool { return !errors.Is(err, declined) }

	for i := 0; i < 5; i++ {
		err := b.Execute("transfer", func() error { return declined })
		assert.ErrorIs(t, err, declined)
	}
	assert.Equal(t, StateClosed, b.State("transfer"))
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(100, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = b.Execute("transfer", func() error {
				if i%2 == 0 {
					return errUpstream
				}
				return nil
			})
		}(i)
	}
	wg.Wait()
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
