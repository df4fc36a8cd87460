// Package relay contains the router: the gate sequence between an inbound
// platform event and a scheduled agent run, plus the run pipeline itself.
package relay

import (
	"sync"
	"time"
)

// maxTrackedKeys caps the number of tracked rate-limit keys so rotating
// user IDs cannot exhaust memory.
const maxTrackedKeys = 4096

// rateWindow is the sliding window for per-user limits.
const rateWindow = time.Hour

type rateEntry struct {
	windowStart time.Time
	count       int
}

// RateLimiter counts events per key over a sliding hour. Safe for
// concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	entries map[string]*rateEntry
}

// NewRateLimiter creates a limiter allowing limit events per key per hour.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{limit: limit, entries: make(map[string]*rateEntry)}
}

// Allow records one event for the key and reports whether it is within the
// limit. Stale entries are pruned when the tracked-key cap is reached.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= rateWindow {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= rateWindow {
		r.entries[key] = &rateEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.limit
}
