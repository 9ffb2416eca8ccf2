package http

import (
	"sync"
	"time"
)

// Defaults: a burst of 5 failed attempts, then one attempt per 12
// seconds, 5 per minute steady state.
const (
	defaultFailureRate   = 5
	defaultFailurePeriod = time.Minute
	defaultFailureBurst  = 5

	// limiterMaxIdle is how long an idle entry survives before a prune
	// pass drops it.
	limiterMaxIdle = time.Hour
	// limiterPruneAt is the tracked-key count above which record runs a
	// prune pass, bounding memory without a background goroutine.
	limiterPruneAt = 1024
)

// failureLimiter rate limits failed API key attempts per client IP
// using GCRA. Successful requests are never throttled; only failures
// advance an IP's theoretical arrival time.
type failureLimiter struct {
	mu       sync.Mutex
	cells    map[string]time.Time // theoretical arrival time per key
	emission time.Duration        // time credit one failure consumes
	burst    time.Duration        // grace window allowing a failure burst
	maxIdle  time.Duration
	now      func() time.Time
}

func newFailureLimiter(rate int, period time.Duration, burst int) *failureLimiter {
	if rate <= 0 {
		rate = 1
	}
	emission := period / time.Duration(rate)
	if burst <= 0 {
		burst = rate
	}
	return &failureLimiter{
		cells:    make(map[string]time.Time),
		emission: emission,
		burst:    time.Duration(burst) * emission,
		maxIdle:  limiterMaxIdle,
		now:      time.Now,
	}
}

// blocked reports whether the key has exhausted its failure budget and,
// if so, how long until the next attempt will be considered.
func (l *failureLimiter) blocked(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	tat, ok := l.cells[key]
	if !ok || tat.Before(now) {
		return false, 0
	}
	allowAt := tat.Add(-l.burst)
	if now.Before(allowAt) {
		return true, allowAt.Sub(now)
	}
	return false, 0
}

// record charges one failure against the key, advancing its TAT.
func (l *failureLimiter) record(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	tat, ok := l.cells[key]
	if !ok || tat.Before(now) {
		tat = now
	}
	l.cells[key] = tat.Add(l.emission)

	if len(l.cells) > limiterPruneAt {
		l.prune(now)
	}
}

// prune drops entries whose debt expired more than maxIdle ago. Caller
// holds l.mu.
func (l *failureLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.maxIdle)
	for key, tat := range l.cells {
		if tat.Before(cutoff) {
			delete(l.cells, key)
		}
	}
}

// size returns the number of tracked keys.
func (l *failureLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cells)
}
