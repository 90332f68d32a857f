package imgcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// rateLimitedLogger emits at most one line per interval and reports how many
// were swallowed since the last one.
type rateLimitedLogger struct {
	log      logrus.FieldLogger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  atomic.Uint64
}

func newRateLimitedLogger(log logrus.FieldLogger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) allow() (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped.Add(1)
		return 0, false
	}
	l.lastAt = now
	return l.dropped.Swap(0), true
}

func (l *rateLimitedLogger) Warnf(format string, args ...any) {
	suppressed, ok := l.allow()
	if !ok {
		return
	}
	entry := l.log
	if suppressed > 0 {
		entry = entry.WithField("suppressed", suppressed)
	}
	entry.Warnf(format, args...)
}
