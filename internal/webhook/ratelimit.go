package webhook

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterEntry pairs a per-address limiter with the time it was last touched,
// so idle entries can be pruned instead of growing the map forever.
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter is a per-remote-address admission check, backed by
// golang.org/x/time/rate. Each address gets its own token bucket refilling
// at perMinute/60s with a burst equal to perMinute, which approximates a
// sliding-window admit rule
// closely enough in practice; stale addresses are pruned on each admit check
// so idle remotes don't pin memory, even though the underlying primitive is
// a token bucket rather than a literal sliding window.
type rateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	perMinute int
}

func newRateLimiter(perMinute int) *rateLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &rateLimiter{limiters: make(map[string]*limiterEntry), perMinute: perMinute}
}

// Allow reports whether a request from addr is admitted right now.
func (r *rateLimiter) Allow(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	e, ok := r.limiters[addr]
	if !ok {
		e = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(r.perMinute)/60), r.perMinute),
		}
		r.limiters[addr] = e
	}
	e.lastSeen = now
	r.pruneLocked(now)
	return e.limiter.Allow()
}

func (r *rateLimiter) pruneLocked(now time.Time) {
	for addr, e := range r.limiters {
		if now.Sub(e.lastSeen) > 60*time.Second {
			delete(r.limiters, addr)
		}
	}
}
