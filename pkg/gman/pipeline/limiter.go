package pipeline

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CallerLimiter hands out one token bucket per caller.
type CallerLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*callerBucket
}

type callerBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewCallerLimiter allows perSecond requests per caller with the given
// burst. A non-positive perSecond disables limiting.
func NewCallerLimiter(perSecond float64, burst int) *CallerLimiter {
	l := &CallerLimiter{limiters: make(map[string]*callerBucket)}
	l.SetLimit(perSecond, burst)
	return l
}

// SetLimit changes the budget. Existing buckets are adjusted in place.
func (l *CallerLimiter) SetLimit(perSecond float64, burst int) {
	lim := rate.Inf
	if perSecond > 0 {
		lim = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit, l.burst = lim, burst
	for _, b := range l.limiters {
		b.lim.SetLimit(lim)
		b.lim.SetBurst(burst)
	}
}

// Allow reports whether caller may start another invocation now.
func (l *CallerLimiter) Allow(caller string) bool {
	l.mu.Lock()
	if l.limit == rate.Inf {
		l.mu.Unlock()
		return true
	}
	b, ok := l.limiters[caller]
	if !ok {
		b = &callerBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[caller] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()
	return b.lim.Allow()
}

// Prune drops buckets idle for longer than maxIdle and returns how many
// were dropped.
func (l *CallerLimiter) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for caller, b := range l.limiters {
		if b.lastSeen.Before(cutoff) {
			delete(l.limiters, caller)
			n++
		}
	}
	return n
}

// Len returns the number of tracked callers.
func (l *CallerLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
