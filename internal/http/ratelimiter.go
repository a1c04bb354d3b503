package httpapi

import (
	"sync"
	"time"
)

// WindowLimiter admits at most limit calls inside any rolling window and can
// report when the oldest admitted call leaves the window.
type WindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu       sync.Mutex
	admitted []time.Time
}

// NewWindowLimiter constructs a limiter. A non-positive window or limit
// disables limiting.
func NewWindowLimiter(window time.Duration, limit int, clock func() time.Time) *WindowLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &WindowLimiter{window: window, limit: limit, now: clock}
}

func (l *WindowLimiter) disabled() bool {
	return l == nil || l.limit <= 0 || l.window <= 0
}

// Allow admits the call when the window still has room.
func (l *WindowLimiter) Allow() bool {
	if l.disabled() {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.expireLocked(now)
	if len(l.admitted) >= l.limit {
		return false
	}
	l.admitted = append(l.admitted, now)
	return true
}

// Remaining reports how many calls the current window still admits.
func (l *WindowLimiter) Remaining() int {
	if l.disabled() {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireLocked(l.now())
	return l.limit - len(l.admitted)
}

// RetryAfter reports how long a denied caller should wait before trying again.
func (l *WindowLimiter) RetryAfter() time.Duration {
	if l.disabled() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.expireLocked(now)
	if len(l.admitted) < l.limit {
		return 0
	}
	return l.admitted[0].Add(l.window).Sub(now)
}

func (l *WindowLimiter) expireLocked(now time.Time) {
	//1.- Admissions are appended in time order so the expired ones form a prefix.
	cutoff := now.Add(-l.window)
	drop := 0
	for drop < len(l.admitted) && !l.admitted[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		l.admitted = append(l.admitted[:0], l.admitted[drop:]...)
	}
}
