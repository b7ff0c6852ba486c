// Package ratelimit implements per-user request rate limiting with
// lazy-refill token buckets (no background goroutine).
package ratelimit

import (
	"sync"
	"time"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
}

// bucket is a token bucket refilled on access.
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
	lastUsed time.Time
}

func newBucket(perMinute int64, now time.Time) *bucket {
	return &bucket{
		tokens:   float64(perMinute),
		max:      float64(perMinute),
		rate:     float64(perMinute) / 60.0,
		lastFill: now,
		lastUsed: now,
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

func (b *bucket) retryAfter() float64 {
	if b.tokens >= 1 {
		return 0
	}
	return (1 - b.tokens) / b.rate
}

// Limiter enforces a per-user requests-per-minute limit. A perMinute of 0
// disables limiting.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[int64]*bucket
	perMinute int64
}

// NewLimiter creates a Limiter allowing perMinute requests per user.
func NewLimiter(perMinute int64) *Limiter {
	return &Limiter{
		buckets:   make(map[int64]*bucket),
		perMinute: perMinute,
	}
}

// Allow consumes one request token for the user.
func (l *Limiter) Allow(userID int64) Result {
	if l.perMinute <= 0 {
		return Result{Allowed: true}
	}

	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[userID]
	if !ok {
		b = newBucket(l.perMinute, now)
		l.buckets[userID] = b
	}
	b.lastUsed = now
	b.refill(now)

	if b.tokens >= 1 {
		b.tokens--
		return Result{Allowed: true, Limit: l.perMinute, Remaining: int64(b.tokens)}
	}
	return Result{
		Allowed:           false,
		Limit:             l.perMinute,
		RetryAfterSeconds: b.retryAfter(),
	}
}

// EvictStale removes buckets not used since cutoff and returns the count.
func (l *Limiter) EvictStale(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for id, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, id)
			evicted++
		}
	}
	return evicted
}
