package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Options struct {
	Level  string
	Format string
	Out    io.Writer
}

// New builds the root logger. Format "console" selects the human readable
// writer used in development; anything else logs JSON lines.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(opts.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Nop is used by components constructed without a logger.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// RateLimiter suppresses repeats of the same log key within an interval.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	sweep    time.Time
}

func NewRateLimiter(interval time.Duration) *RateLimiter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &RateLimiter{
		interval: interval,
		last:     make(map[string]time.Time),
		sweep:    time.Now(),
	}
}

func (l *RateLimiter) Allow(key string) bool {
	if l == nil || key == "" {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.last[key]) < l.interval {
		return false
	}
	l.last[key] = now
	if now.Sub(l.sweep) > 2*l.interval {
		for k, ts := range l.last {
			if now.Sub(ts) > 4*l.interval {
				delete(l.last, k)
			}
		}
		l.sweep = now
	}
	return true
}

// Warn returns a warn event, or nil when key was logged recently. zerolog
// treats a nil event as disabled, so callers chain on it unconditionally.
func (l *RateLimiter) Warn(logger zerolog.Logger, key string) *zerolog.Event {
	if !l.Allow(key) {
		return nil
	}
	return logger.Warn().Str("log_key", key)
}
