package api

import (
	"sync"
	"time"

	"kioskqueue/internal/clock"
)

// RateLimiter allows limit calls per key in each fixed window
type RateLimiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	limit   int
	window  time.Duration
	clients map[string]*clientLimit
}

type clientLimit struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(clk clock.Clock, limit int, window time.Duration) *RateLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &RateLimiter{
		clock:   clk,
		limit:   limit,
		window:  window,
		clients: make(map[string]*clientLimit),
	}
}

// Allow reports whether key may make another call in the current window
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()

	limit, exists := rl.clients[key]
	if !exists || now.Sub(limit.windowStart) >= rl.window {
		rl.clients[key] = &clientLimit{count: 1, windowStart: now}
		return true
	}

	if limit.count >= rl.limit {
		return false
	}
	limit.count++
	return true
}

// Cleanup drops keys idle for five windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for key, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, key)
		}
	}
}

// Len returns the number of tracked keys
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
