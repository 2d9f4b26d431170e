package backend

import (
	"sync"
	"time"

	"github.com/jkoelker/newtab/clock"
)

// DefaultRequestsPerMinute is the per-extension request budget.
const DefaultRequestsPerMinute = 120

// RateLimiter is a sliding-window limiter keyed by extension id.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	window  time.Duration
	limit   int
	clock   clock.Clock
}

// NewRateLimiter allows limit requests per key within window.
func NewRateLimiter(window time.Duration, limit int, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.Real()
	}

	return &RateLimiter{
		entries: make(map[string][]time.Time),
		window:  window,
		limit:   limit,
		clock:   clk,
	}
}

// Allow records a request for key and reports whether it is within the
// limit. Refused requests are not recorded.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	valid := r.valid(key, now)

	if len(valid) >= r.limit {
		r.entries[key] = valid

		return false
	}

	r.entries[key] = append(valid, now)

	return true
}

// Count returns the requests recorded for key within the window.
func (r *RateLimiter) Count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.valid(key, r.clock.Now()))
}

// Reset forgets key.
func (r *RateLimiter) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, key)
}

// Prune drops expired entries and empty keys.
func (r *RateLimiter) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()

	for key := range r.entries {
		if valid := r.valid(key, now); len(valid) == 0 {
			delete(r.entries, key)
		} else {
			r.entries[key] = valid
		}
	}
}

// valid must be called with r.mu held.
func (r *RateLimiter) valid(key string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	entries := r.entries[key]

	var valid []time.Time

	for _, t := range entries {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	return valid
}
