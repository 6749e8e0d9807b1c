package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// userLimiter enforces a per-user requests-per-minute budget with one
// token bucket per user id. Buckets are created on first sight and never
// expire; the working set is bounded by the active user population.
type userLimiter struct {
	mu        sync.Mutex
	perMinute int
	buckets   map[string]*rate.Limiter
}

func newUserLimiter(perMinute int) *userLimiter {
	return &userLimiter{
		perMinute: perMinute,
		buckets:   make(map[string]*rate.Limiter),
	}
}

func (l *userLimiter) allow(userID string) bool {
	l.mu.Lock()
	bucket, ok := l.buckets[userID]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute)
		l.buckets[userID] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}
