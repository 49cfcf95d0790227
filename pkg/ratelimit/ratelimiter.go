package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter simple in-memory sliding-window rate limiter
type RateLimiter struct {
	requests map[string][]time.Time
	lock     sync.Mutex
	window   time.Duration
	max      int
	now      func() time.Time
}

func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		window:   window,
		max:      max,
		now:      time.Now,
	}
}

// Allow records a request for key and reports whether it is within the limit.
func (rl *RateLimiter) Allow(key string) bool {
	rl.lock.Lock()
	defer rl.lock.Unlock()
	now := rl.now()

	validRequests := rl.valid(key, now.Add(-rl.window))
	if len(validRequests) >= rl.max {
		rl.requests[key] = validRequests
		return false
	}

	rl.requests[key] = append(validRequests, now)
	return true
}

func (rl *RateLimiter) valid(key string, windowStart time.Time) []time.Time {
	var validRequests []time.Time
	for _, reqTime := range rl.requests[key] {
		if reqTime.After(windowStart) {
			validRequests = append(validRequests, reqTime)
		}
	}
	return validRequests
}

// Prune drops keys with no requests left in the window and returns how many
// were removed.
func (rl *RateLimiter) Prune() int {
	rl.lock.Lock()
	defer rl.lock.Unlock()
	windowStart := rl.now().Add(-rl.window)

	removed := 0
	for key := range rl.requests {
		if v := rl.valid(key, windowStart); len(v) == 0 {
			delete(rl.requests, key)
			removed++
		} else {
			rl.requests[key] = v
		}
	}
	return removed
}

// Run prunes idle keys every window until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Prune()
		}
	}
}
