// Package ratelimit limits requests per client within fixed time windows.
package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"auto-focus.app/licensing/internal/logger"
)

type RateLimit interface {
	Allow(key string) bool
}

type window struct {
	count int
	start time.Time
}

type FixedWindowLimiter struct {
	maxRequests int
	window      time.Duration
	windows     map[string]*window
	now         func() time.Time
	mu          sync.Mutex
}

func New(maxRequests int, interval time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		maxRequests: maxRequests,
		window:      interval,
		windows:     make(map[string]*window),
		now:         time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (rl *FixedWindowLimiter) WithClock(now func() time.Time) *FixedWindowLimiter {
	rl.now = now
	return rl
}

func (rl *FixedWindowLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w := rl.windows[key]

	if w == nil || now.Sub(w.start) > rl.window {
		if rl.maxRequests == 0 {
			return false
		}
		rl.windows[key] = &window{count: 1, start: now}
		return true
	}

	if w.count >= rl.maxRequests {
		return false
	}
	w.count++
	return true
}

// Sweep drops windows that have already expired and returns how many remain.
func (rl *FixedWindowLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, w := range rl.windows {
		if now.Sub(w.start) > rl.window {
			delete(rl.windows, key)
		}
	}
	return len(rl.windows)
}

// Middleware rejects requests over the limit with 429, keyed by client IP.
func Middleware(limiter RateLimit, retryAfter time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			if !limiter.Allow(ip) {
				logger.Warn("Rate limit exceeded", map[string]interface{}{
					"remote_addr": ip,
					"path":        r.URL.Path,
				})
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "Too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP prefers the first X-Forwarded-For hop, then the remote address.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
