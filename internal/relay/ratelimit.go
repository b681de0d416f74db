package relay

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/dkeye/peercall/internal/domain"
)

// SignalLimiter bounds how many signals one user may push through the
// relay. Each user gets a token bucket.
type SignalLimiter struct {
	mu       sync.Mutex
	limiters map[domain.UserID]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewSignalLimiter(perSecond float64, burst int) *SignalLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &SignalLimiter{
		limiters: make(map[domain.UserID]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (l *SignalLimiter) Allow(uid domain.UserID) bool {
	l.mu.Lock()
	lim, ok := l.limiters[uid]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[uid] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *SignalLimiter) Forget(uid domain.UserID) {
	l.mu.Lock()
	delete(l.limiters, uid)
	l.mu.Unlock()
}
