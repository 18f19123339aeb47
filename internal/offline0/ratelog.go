package offline0

import (
	"time"

	"golang.org/x/time/rate"

	"offline0/internal/logger"
)

// rateLimitedLogger emits at most one warning per interval. Offline storms
// otherwise produce one line per intercepted request.
type rateLimitedLogger struct {
	s rate.Sometimes
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{s: rate.Sometimes{First: 1, Interval: interval}}
}

func (l *rateLimitedLogger) Warn(msg string, args ...any) {
	l.s.Do(func() { logger.Warn(msg, args...) })
}
