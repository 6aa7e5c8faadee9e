package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/quartz"
)

type visitor struct {
	count       int
	windowStart time.Time
}

// RateLimiter is a fixed-window limiter keyed by client address. It guards
// the websocket upgrade path, where each accepted request opens a session.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    int
	window   time.Duration
	clock    quartz.Clock
}

func NewRateLimiter(limit int, window time.Duration, clock quartz.Clock) *RateLimiter {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    limit,
		window:   window,
		clock:    clock,
	}
}

// StartCleanup evicts idle visitors once per window until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context) quartz.Waiter {
	return rl.clock.TickerFunc(ctx, rl.window, func() error {
		rl.evict()
		return nil
	}, "ratelimit", "cleanup")
}

func (rl *RateLimiter) evict() {
	now := rl.clock.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if now.Sub(v.windowStart) > rl.window {
			delete(rl.visitors, key)
		}
	}
}

// Allow counts one request for key and reports whether it is within limit.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[key]
	if !exists || now.Sub(v.windowStart) > rl.window {
		rl.visitors[key] = &visitor{count: 1, windowStart: now}
		return true
	}
	v.count++
	return v.count <= rl.limit
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests. Please try again later.", r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
