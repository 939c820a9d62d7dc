package gate

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// RateLimiter is a fixed-window attempt counter keyed by source address.
// Entries expire after five idle windows.
type RateLimiter struct {
	mu          sync.Mutex
	window      time.Duration
	maxAttempts int
	entries     *cache.Cache
}

type attemptWindow struct {
	count       int
	lastAttempt time.Time
}

// NewRateLimiter creates a limiter admitting maxAttempts per window.
func NewRateLimiter(window time.Duration, maxAttempts int) *RateLimiter {
	return &RateLimiter{
		window:      window,
		maxAttempts: maxAttempts,
		entries:     cache.New(5*window, window),
	}
}

// Allow records an attempt from addr at now and reports whether it may
// proceed to authentication.
func (rl *RateLimiter) Allow(addr string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	var w *attemptWindow
	if v, ok := rl.entries.Get(addr); ok {
		w = v.(*attemptWindow)
	}

	if w == nil || now.Sub(w.lastAttempt) >= rl.window {
		rl.entries.SetDefault(addr, &attemptWindow{count: 1, lastAttempt: now})
		return true
	}

	w.count++
	w.lastAttempt = now
	rl.entries.SetDefault(addr, w)

	return w.count <= rl.maxAttempts
}

// Exhausted reports whether addr has already been refused in its current
// window. It records nothing.
func (rl *RateLimiter) Exhausted(addr string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.entries.Get(addr)
	if !ok {
		return false
	}
	w := v.(*attemptWindow)
	return now.Sub(w.lastAttempt) < rl.window && w.count > rl.maxAttempts
}

// Tracked returns the number of addresses currently held.
func (rl *RateLimiter) Tracked() int {
	return rl.entries.ItemCount()
}
