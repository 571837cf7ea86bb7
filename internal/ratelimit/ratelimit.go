// Package ratelimit throttles party calls per forwarded user.
//
// Every request reaches us from the marketplace web app, so the client IP is
// always the same few hosts. Buckets are keyed by the X-User-ID the web app
// forwards instead.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kunsthall/settlement/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per user. Zero disables limiting.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the rate
	BurstSize int
	// IdleTTL is how long an untouched bucket is kept
	IdleTTL time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		IdleTTL:           5 * time.Minute,
	}
}

// KeyFunc extracts the bucket key from a request. An empty key is not limited.
type KeyFunc func(c *gin.Context) string

// Limiter is a set of token buckets.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	lastGC  time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow takes a token from key's bucket and reports whether one was available.
func (l *Limiter) Allow(key string) bool {
	if l.cfg.RequestsPerMinute <= 0 || key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.collect(now)

	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return true
	}

	perSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens = min(b.tokens+now.Sub(b.lastCheck).Seconds()*perSecond, float64(l.cfg.BurstSize))
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// collect drops idle buckets, at most once per IdleTTL. Caller holds mu.
func (l *Limiter) collect(now time.Time) {
	if now.Sub(l.lastGC) < l.cfg.IdleTTL {
		return
	}
	l.lastGC = now
	cutoff := now.Add(-l.cfg.IdleTTL)
	for key, b := range l.buckets {
		if b.lastCheck.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Middleware rejects requests whose bucket is empty with 429.
func (l *Limiter) Middleware(key KeyFunc) gin.HandlerFunc {
	retryAfter := 1
	if l.cfg.RequestsPerMinute > 0 {
		retryAfter = max(1, 60/l.cfg.RequestsPerMinute)
	}
	return func(c *gin.Context) {
		if !l.Allow(key(c)) {
			metrics.RateLimitedTotal.Inc()
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
