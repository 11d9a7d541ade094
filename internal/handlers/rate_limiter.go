package handlers

import (
	"strings"
	"sync"
	"time"
)

// rateLimiter gates mutating order actions per caller identity.
type rateLimiter interface {
	Allow(key string) bool
}

// simpleRateLimiter is a fixed-window in-process limiter. State lives in the
// process, so limits apply per replica rather than globally.
type simpleRateLimiter struct {
	limit   int
	window  time.Duration
	clock   func() time.Time
	mu      sync.Mutex
	windows map[string]rateWindow
}

type rateWindow struct {
	used    int
	resetAt time.Time
}

func newSimpleRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &simpleRateLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]rateWindow),
	}
}

func (l *simpleRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	win, ok := l.windows[key]
	if !ok || now.After(win.resetAt) {
		l.windows[key] = rateWindow{used: 1, resetAt: now.Add(l.window)}
		l.dropExpiredLocked(now)
		return true
	}

	if win.used >= l.limit {
		return false
	}
	win.used++
	l.windows[key] = win
	return true
}

func (l *simpleRateLimiter) dropExpiredLocked(now time.Time) {
	for key, win := range l.windows {
		if now.After(win.resetAt) {
			delete(l.windows, key)
		}
	}
}
