package server

import (
	"time"
)

const (
	defaultRateEvents = 20
	defaultRateWindow = 5 * time.Second
)

// rateLimiter is a sliding window over the inbound events of one connection.
// It is only used from the connection's read goroutine.
type rateLimiter struct {
	events []time.Time
	limit  int
	window time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = defaultRateEvents
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &rateLimiter{
		events: make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
	}
}

func (rl *rateLimiter) allow(now time.Time) bool {
	cut := now.Add(-rl.window)
	kept := rl.events[:0]
	for _, t := range rl.events {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	rl.events = kept

	if len(rl.events) >= rl.limit {
		return false
	}
	rl.events = append(rl.events, now)
	return true
}
