package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimited emits at most one warning per interval and counts the ones it
// swallowed in between.
type RateLimited struct {
	log      *zap.Logger
	interval time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastAt     time.Time
	suppressed int
}

func NewRateLimited(log *zap.Logger, interval time.Duration) *RateLimited {
	return &RateLimited{log: OrNop(log), interval: interval, now: time.Now}
}

// Warn reports whether the message was written.
func (l *RateLimited) Warn(msg string, fields ...zap.Field) bool {
	l.mu.Lock()
	now := l.now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return false
	}
	l.lastAt = now
	suppressed := l.suppressed
	l.suppressed = 0
	l.mu.Unlock()

	if suppressed > 0 {
		fields = append(fields, zap.Int("suppressed", suppressed))
	}
	l.log.Warn(msg, fields...)
	return true
}
