// Package quota enforces per-owner request rate limits.
package quota

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per owner. A zero rate disables
// limiting.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per
// owner with the given burst. burst <= 0 defaults to rpm.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = rpm
	}
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(rpm) / 60.0),
		burst:   burst,
		now:     time.Now,
	}
}

// Enabled reports whether the limiter restricts anything.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.limit > 0
}

func (rl *RateLimiter) get(owner string, now time.Time) *bucket {
	b, ok := rl.buckets[owner]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[owner] = b
	}
	b.lastSeen = now
	return b
}

// Allow reports whether a request from owner may proceed, consuming a
// token if so.
func (rl *RateLimiter) Allow(owner string) bool {
	if !rl.Enabled() {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	return rl.get(owner, now).limiter.AllowN(now, 1)
}

// RetryAfter returns the number of whole seconds until owner has a token
// again, or 0 if one is available.
func (rl *RateLimiter) RetryAfter(owner string) int {
	if !rl.Enabled() {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[owner]
	if !ok {
		return 0
	}
	now := rl.now()
	tokens := b.limiter.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	seconds := (1 - tokens) / float64(rl.limit)
	return int(math.Ceil(seconds))
}

// Cleanup removes buckets for owners that haven't been seen within maxAge.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxAge)
	removed := 0
	for owner, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, owner)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked owners.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
