package gateway

import (
	"sync"
	"time"
)

// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
// memory exhaustion from rotating sender ids.
const maxTrackedKeys = 4096

// SlidingLimiter counts events per key over a true sliding window.
// Safe for concurrent use.
type SlidingLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries map[string][]time.Time
	now     func() time.Time
}

// NewSlidingLimiter allows limit events per key within window.
func NewSlidingLimiter(limit int, window time.Duration) *SlidingLimiter {
	return &SlidingLimiter{
		limit:   limit,
		window:  window,
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records one event for key and reports whether it fits the window.
func (l *SlidingLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if len(l.entries) >= maxTrackedKeys {
		l.pruneLocked(now)
	}

	stamps := l.prunedStamps(l.entries[key], now)
	if len(stamps) >= l.limit {
		l.entries[key] = stamps
		return false
	}
	l.entries[key] = append(stamps, now)
	return true
}

// Count returns the events currently inside the window for key.
func (l *SlidingLimiter) Count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	stamps := l.prunedStamps(l.entries[key], l.now())
	l.entries[key] = stamps
	return len(stamps)
}

func (l *SlidingLimiter) prunedStamps(stamps []time.Time, now time.Time) []time.Time {
	cut := 0
	for cut < len(stamps) && now.Sub(stamps[cut]) >= l.window {
		cut++
	}
	return stamps[cut:]
}

// pruneLocked drops keys with no events inside the window, then hard-evicts
// arbitrary keys if the cap is still exceeded.
func (l *SlidingLimiter) pruneLocked(now time.Time) {
	for k, stamps := range l.entries {
		if len(l.prunedStamps(stamps, now)) == 0 {
			delete(l.entries, k)
		}
	}
	for len(l.entries) >= maxTrackedKeys {
		for k := range l.entries {
			delete(l.entries, k)
			break
		}
	}
}
