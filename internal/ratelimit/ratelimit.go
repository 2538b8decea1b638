// Package ratelimit implements a per-principal token bucket rate limiter.
// Buckets are created on first use and dropped after sitting idle.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a principal has exhausted their bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// DefaultIdleTimeout is how long an unused bucket is kept.
const DefaultIdleTimeout = 10 * time.Minute

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
	IdleTimeout       time.Duration
}

// Limiter is a per-principal rate limiter.
// Each principal gets an independent bucket; one cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	l := &Limiter{
		buckets: make(map[string]*bucket),
		burst:   burst,
		idle:    idle,
		now:     time.Now,
	}
	if cfg.RequestsPerMinute > 0 {
		l.limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	}
	return l
}

// Allow consumes one token for principalID or returns ErrRateLimited.
func (l *Limiter) Allow(principalID string) error {
	if l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	now := l.now()
	b, ok := l.buckets[principalID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[principalID] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	if !b.limiter.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// Cleanup drops buckets idle for longer than the idle timeout and returns
// how many were removed. A dropped bucket restarts full on next use, which
// is what it would have refilled to anyway.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idle)
	removed := 0
	for id, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked principals.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
