// Package ratelimit provides fixed-window request limiting for the
// governance API, with a Redis-backed limiter for multi-instance
// deployments and an in-memory one for single-process use and tests.
package ratelimit

import (
	"sync"
	"time"
)

// Decision reports the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter counts requests per key in a fixed window.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	counts map[string]windowCount
}

type windowCount struct {
	n       int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{window: window, counts: make(map[string]windowCount)}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, c := range l.counts {
		if now.After(c.resetAt) {
			delete(l.counts, k)
		}
	}
	c, ok := l.counts[key]
	if !ok || now.After(c.resetAt) {
		c = windowCount{resetAt: now.Add(l.window)}
	}
	c.n++
	l.counts[key] = c

	remaining := limit - c.n
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   c.n <= limit,
		Count:     c.n,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   c.resetAt,
	}
}
