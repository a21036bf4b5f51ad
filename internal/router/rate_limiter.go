package router

import (
	"sync"
	"time"
)

// RateLimiter allows each author a fixed number of messages per window.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	authors map[string]*authorWindow
}

type authorWindow struct {
	count int
	start time.Time
}

// NewRateLimiter creates a limiter allowing limit messages per window.
// A non-positive limit disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		authors: make(map[string]*authorWindow),
	}
}

// Allow records one message for author and reports whether it fits in the
// author's current window.
func (rl *RateLimiter) Allow(author string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.authors[author]
	if !ok || now.Sub(w.start) >= rl.window {
		rl.authors[author] = &authorWindow{count: 1, start: now}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Cleanup forgets authors whose window started more than idle ago and
// returns how many were removed.
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	if rl == nil {
		return 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0
	for author, w := range rl.authors {
		if now.Sub(w.start) > idle {
			delete(rl.authors, author)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of authors with live windows.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.authors)
}
