package signal

import (
	"sync"

	"github.com/dkeye/ezstream/internal/domain"
	"golang.org/x/time/rate"
)

// JoinLimiter throttles join-room per connection with a token bucket.
// A nil limiter or a non-positive rate allows everything.
type JoinLimiter struct {
	mu       sync.Mutex
	limiters map[domain.ConnID]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewJoinLimiter(perSecond float64, burst int) *JoinLimiter {
	if burst < 1 {
		burst = 1
	}
	return &JoinLimiter{
		limiters: make(map[domain.ConnID]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *JoinLimiter) Allow(id domain.ConnID) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[id]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[id] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *JoinLimiter) Forget(id domain.ConnID) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.limiters, id)
	l.mu.Unlock()
}
