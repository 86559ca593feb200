package server

import (
	"sync"
	"time"
)

const (
	defaultMessagesPerMinute = 120
	rateLimitWindow          = time.Minute
)

// slidingLimiter caps events inside a rolling window. Exceeding the budget
// drops the message but keeps the connection: bursts from fast typing should
// degrade gracefully, not disconnect the user.
type slidingLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	clock  func() time.Time
	events []time.Time
}

func newSlidingLimiter(limit int, window time.Duration, clock func() time.Time) *slidingLimiter {
	if limit <= 0 {
		limit = defaultMessagesPerMinute
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &slidingLimiter{limit: limit, window: window, clock: clock}
}

// Allow records the event and reports whether it fits the rolling budget.
func (l *slidingLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	cutoff := now.Add(-l.window)
	kept := l.events[:0]
	for _, at := range l.events {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	l.events = kept
	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}
