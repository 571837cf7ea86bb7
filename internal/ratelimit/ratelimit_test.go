package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(cfg)
	l.now = clock.Now
	return l, clock
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 5})

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("usr_a"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("usr_a"))

	// 60/min refills one token per second.
	clock.Advance(time.Second)
	assert.True(t, l.Allow("usr_a"))
	assert.False(t, l.Allow("usr_a"))

	// Refill is capped at the burst size.
	clock.Advance(time.Hour)
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("usr_a"))
	}
	assert.False(t, l.Allow("usr_a"))
}

func TestLimiter_KeysIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	assert.True(t, l.Allow("usr_a"))
	assert.False(t, l.Allow("usr_a"))
	assert.True(t, l.Allow("usr_b"))
}

func TestLimiter_DisabledAndEmptyKey(t *testing.T) {
	off, _ := newTestLimiter(Config{RequestsPerMinute: 0, BurstSize: 1})
	for i := 0; i < 100; i++ {
		assert.True(t, off.Allow("usr_a"))
	}

	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow(""))
	}
}

func TestLimiter_CollectsIdleBuckets(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1, IdleTTL: time.Minute})

	l.Allow("usr_a")
	clock.Advance(2 * time.Minute)
	l.Allow("usr_b")

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.buckets, "usr_a")
	assert.Contains(t, l.buckets, "usr_b")
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(Config{RequestsPerMinute: 30, BurstSize: 1})

	r := gin.New()
	r.Use(l.Middleware(func(c *gin.Context) string { return c.GetHeader("X-User-ID") }))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-User-ID", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do("usr_a").Code)
	w := do("usr_a")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, do("usr_b").Code)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 120, cfg.RequestsPerMinute)
	assert.Equal(t, 20, cfg.BurstSize)
	assert.Equal(t, 5*time.Minute, cfg.IdleTTL)
}
