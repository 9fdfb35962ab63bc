package transport

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SessionLimiter enforces a token-bucket ingest limit per session. Idle
// session buckets are dropped after an hour so the table cannot grow
// without bound.
type SessionLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*sessionBucket
}

type sessionBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSessionLimiter builds a limiter table. An rps of 0 disables limiting.
func NewSessionLimiter(rps float64, burst int) *SessionLimiter {
	return &SessionLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*sessionBucket),
	}
}

func (l *SessionLimiter) bucket(sessionID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	b, ok := l.limiters[sessionID]
	if !ok {
		b = &sessionBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[sessionID] = b
		if len(l.limiters)%256 == 0 {
			l.sweepLocked(now)
		}
	}
	b.lastSeen = now
	return b.limiter
}

// Allow reports whether one request may proceed now. Used by HTTP, which
// answers 429 instead of queueing.
func (l *SessionLimiter) Allow(sessionID string) bool {
	if l.rps == 0 {
		return true
	}
	return l.bucket(sessionID).Allow()
}

// Wait blocks until one request may proceed or ctx is done. Used by AMQP,
// where back-pressure is preferable to rejection.
func (l *SessionLimiter) Wait(ctx context.Context, sessionID string) error {
	if l.rps == 0 {
		return nil
	}
	return l.bucket(sessionID).Wait(ctx)
}

// Forget drops a session's bucket.
func (l *SessionLimiter) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, sessionID)
}

func (l *SessionLimiter) sweepLocked(now time.Time) {
	for id, b := range l.limiters {
		if now.Sub(b.lastSeen) > time.Hour {
			delete(l.limiters, id)
		}
	}
}
