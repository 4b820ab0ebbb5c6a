// Package quota enforces per-user request rates and upload size caps.
package quota

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter implements per-user token bucket rate limiting.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[int64]*bucket
	rpm     int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per
// user with bursts up to rpm. rpm=0 means unlimited.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[int64]*bucket),
		rpm:     rpm,
	}
}

func (rl *RateLimiter) bucketFor(userID int64) *bucket {
	b, ok := rl.buckets[userID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(rl.rpm)/60.0), rl.rpm)}
		rl.buckets[userID] = b
	}
	b.lastSeen = time.Now()
	return b
}

// Allow checks if a request from the given user should be allowed.
func (rl *RateLimiter) Allow(userID int64) bool {
	if rl.rpm <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.bucketFor(userID).limiter.Allow()
}

// RetryAfter returns the number of seconds until the next token is available.
func (rl *RateLimiter) RetryAfter(userID int64) int {
	if rl.rpm <= 0 {
		return 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[userID]
	if !ok {
		return 0
	}
	tokens := b.limiter.Tokens()
	if tokens >= 1 {
		return 0
	}
	seconds := (1 - tokens) / (float64(rl.rpm) / 60.0)
	return int(math.Ceil(seconds))
}

// Cleanup removes buckets for users that haven't been seen recently.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for userID, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, userID)
		}
	}
}

// Len returns the number of tracked users.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
