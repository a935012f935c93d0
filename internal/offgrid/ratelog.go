package offgrid

import (
	"log"
	"sync"
	"time"
)

// rateLimitedLogger prints at most one line per key per interval.
type rateLimitedLogger struct {
	mu       sync.Mutex
	lastAt   map[string]time.Time
	dropped  map[string]int
	interval time.Duration
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		lastAt:   map[string]time.Time{},
		dropped:  map[string]int{},
		interval: interval,
	}
}

func (l *rateLimitedLogger) Printf(key, format string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	last, seen := l.lastAt[key]
	if seen && now.Sub(last) < l.interval {
		l.dropped[key]++
		l.mu.Unlock()
		return
	}
	l.lastAt[key] = now
	n := l.dropped[key]
	delete(l.dropped, key)
	l.mu.Unlock()

	if n > 0 {
		log.Printf(format+" (%d similar suppressed)", append(args, n)...)
		return
	}
	log.Printf(format, args...)
}
