package agent

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// senderLimiter keeps one token bucket per sender. Idle senders are pruned
// on access instead of by a background goroutine.
type senderLimiter struct {
	mu      sync.Mutex
	senders map[string]*sender
	limit   rate.Limit
	burst   int
	idle    time.Duration
	lastGC  time.Time
	now     func() time.Time
}

type sender struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newSenderLimiter allows perMinute actions per sender. perMinute <= 0
// disables limiting.
func newSenderLimiter(perMinute int) *senderLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &senderLimiter{
		senders: make(map[string]*sender),
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		idle:    10 * time.Minute,
		now:     time.Now,
	}
}

func (l *senderLimiter) Allow(id string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastGC) > time.Minute {
		for k, s := range l.senders {
			if now.Sub(s.lastSeen) > l.idle {
				delete(l.senders, k)
			}
		}
		l.lastGC = now
	}

	s, ok := l.senders[id]
	if !ok {
		s = &sender{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.senders[id] = s
	}
	s.lastSeen = now
	return s.limiter.AllowN(now, 1)
}
