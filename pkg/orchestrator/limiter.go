package orchestrator

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleLimiterTTL is how long an unused per-user limiter is kept.
const idleLimiterTTL = 10 * time.Minute

// UserLimiter throttles turns per user with a token bucket each.
type UserLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*userBucket
	lastGC   time.Time
}

type userBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewUserLimiter allows perMinute turns per user with the given burst.
func NewUserLimiter(perMinute float64, burst int) *UserLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &UserLimiter{
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*userBucket),
	}
}

// Allow reports whether userID may start a turn now.
func (l *UserLimiter) Allow(userID string) bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastGC) > idleLimiterTTL {
		for id, b := range l.limiters {
			if now.Sub(b.seen) > idleLimiterTTL {
				delete(l.limiters, id)
			}
		}
		l.lastGC = now
	}
	b, ok := l.limiters[userID]
	if !ok {
		b = &userBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}
