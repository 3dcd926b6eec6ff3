package handlers

import (
	"strings"
	"sync"
	"time"
)

// attemptLimiter bounds guesses per key, such as promo codes tried by one user.
type attemptLimiter interface {
	Allow(key string) (bool, time.Duration)
}

// windowLimiter is a fixed window counter keyed by user id.
type windowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]attemptWindow
}

type attemptWindow struct {
	attempts int
	resetAt  time.Time
}

func newWindowLimiter(limit int, window time.Duration, clock func() time.Time) attemptLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]attemptWindow),
	}
}

// Allow records an attempt. When the key is over its limit it returns false
// and the time left until the window resets.
func (l *windowLimiter) Allow(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.windows[key]
	if !ok || !now.Before(current.resetAt) {
		l.dropExpiredLocked(now)
		l.windows[key] = attemptWindow{attempts: 1, resetAt: now.Add(l.window)}
		return true, 0
	}
	if current.attempts >= l.limit {
		return false, current.resetAt.Sub(now)
	}
	current.attempts++
	l.windows[key] = current
	return true, 0
}

func (l *windowLimiter) dropExpiredLocked(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
		}
	}
}
