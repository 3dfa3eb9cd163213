package ingress

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sourceLimiter throttles webhook traffic per source key (tenant when the
// payload names one, remote host otherwise). Idle entries are evicted so a
// burst of one-off sources does not grow the map forever.
type sourceLimiter struct {
	mu      sync.Mutex
	sources map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newSourceLimiter(perMinute, burst int) *sourceLimiter {
	l := &sourceLimiter{
		sources: make(map[string]*limiterEntry),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		idleTTL: 10 * time.Minute,
	}
	go l.evictLoop()
	return l
}

// Allow reports whether one more request from key fits the rate budget.
func (l *sourceLimiter) Allow(key string) bool {
	l.mu.Lock()
	e, ok := l.sources[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.sources[key] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()

	return e.lim.Allow()
}

func (l *sourceLimiter) evictLoop() {
	ticker := time.NewTicker(l.idleTTL)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-l.idleTTL)
		l.mu.Lock()
		for key, e := range l.sources {
			if e.lastSeen.Before(cutoff) {
				delete(l.sources, key)
			}
		}
		l.mu.Unlock()
	}
}
