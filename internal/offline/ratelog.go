package offline

import (
	"sync"
	"time"

	"pdfhub-offline/internal/logger"
)

// rateLimitedLogger drops repeats of a noisy warning (storage quota, RAM
// overflow) inside interval. Each key is throttled independently.
type rateLimitedLogger struct {
	mu       sync.Mutex
	lastAt   map[string]time.Time
	interval time.Duration
	dropped  map[string]int
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		interval: interval,
		lastAt:   map[string]time.Time{},
		dropped:  map[string]int{},
	}
}

func (l *rateLimitedLogger) Warn(key, format string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	last := l.lastAt[key]
	if !last.IsZero() && now.Sub(last) < l.interval {
		l.dropped[key]++
		l.mu.Unlock()
		return
	}
	l.lastAt[key] = now
	suppressed := l.dropped[key]
	l.dropped[key] = 0
	l.mu.Unlock()

	if suppressed > 0 {
		format += " (%d similar suppressed)"
		args = append(args, suppressed)
	}
	logger.Warn(format, args...)
}
