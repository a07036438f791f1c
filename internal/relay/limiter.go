package relay

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window message counter, one per connection.
type RateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	times  []time.Time
}

func NewRateLimiter(maxPerMinute int) *RateLimiter {
	return &RateLimiter{
		max:    maxPerMinute,
		window: time.Minute,
	}
}

// Allow records one message and reports whether it is within the limit.
func (l *RateLimiter) Allow(now time.Time) bool {
	if l.max <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	kept := l.times[:0]
	for _, t := range l.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.times = kept

	if len(l.times) >= l.max {
		return false
	}

	l.times = append(l.times, now)
	return true
}
