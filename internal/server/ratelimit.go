package server

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimiter allows one attempt per key every minInterval.
type RateLimiter struct {
	mu          sync.Mutex
	minInterval time.Duration
	clock       clockwork.Clock
	lastSeen    map[string]time.Time
}

func NewRateLimiter(minInterval time.Duration, clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		minInterval: minInterval,
		clock:       clock,
		lastSeen:    make(map[string]time.Time),
	}
}

// Allow reports whether key may proceed and, if not, how long to wait.
func (r *RateLimiter) Allow(key string) (bool, time.Duration) {
	if r == nil || r.minInterval <= 0 {
		return true, 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	last, ok := r.lastSeen[key]
	if !ok {
		r.lastSeen[key] = now
		return true, 0
	}
	elapsed := now.Sub(last)
	if elapsed < r.minInterval {
		return false, r.minInterval - elapsed
	}
	r.lastSeen[key] = now
	return true, 0
}

// Prune forgets keys idle for longer than minInterval.
func (r *RateLimiter) Prune() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	for key, last := range r.lastSeen {
		if now.Sub(last) >= r.minInterval {
			delete(r.lastSeen, key)
		}
	}
}
