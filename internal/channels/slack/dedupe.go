package slack

import (
	"sync"
	"time"
)

// dedupeGrace is how long processed event keys are remembered. Slack
// redelivers events for up to an hour on slow acks; in practice retries
// arrive within minutes.
const dedupeGrace = 10 * time.Minute

// dedupe drops redelivered events. Slack marks retries with a retry
// attempt, but a reconnect can also replay recent events without one, so
// every processed key is remembered for a grace period.
type dedupe struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newDedupe() *dedupe {
	return &dedupe{seen: make(map[string]time.Time)}
}

// firstSeen records the key and reports whether it is new.
func (d *dedupe) firstSeen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if len(d.seen) > 2048 {
		for k, t := range d.seen {
			if now.Sub(t) > dedupeGrace {
				delete(d.seen, k)
			}
		}
	}

	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = now
	return true
}
