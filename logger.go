package inodekey

import (
	"sync"
	"time"
)

// Logger is the logging interface used internally by inodekey.
// Implement this to route logs to zap, slog, logrus, etc.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Debug(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Info(_ string, _ ...any)  {}
func (noopLogger) Warn(_ string, _ ...any)  {}
func (noopLogger) Error(_ string, _ ...any) {}
func (noopLogger) Debug(_ string, _ ...any) {}

// logLimiter rate-limits warnings about invalid keyring payloads so that
// repeated lookups of a crafted key cannot flood the log. Allows a burst of
// warnBurst messages per warnWindow, then drops until the window rolls over.
type logLimiter struct {
	mu    sync.Mutex
	start time.Time
	count int
}

const (
	warnWindow = 5 * time.Second
	warnBurst  = 10
)

func (l *logLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.start) > warnWindow {
		l.start = now
		l.count = 0
	}
	if l.count >= warnBurst {
		return false
	}
	l.count++
	return true
}
