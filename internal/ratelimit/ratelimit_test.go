package ratelimit

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestFixedWindowLimiter_Allow_BasicFunctionality(t *testing.T) {
	limiter := New(3, time.Minute) // 3 requests per minute

	for i := 0; i < 3; i++ {
		if !limiter.Allow("192.168.1.1") {
			t.Errorf("Request %d should be allowed, but was denied", i+1)
		}
	}

	if limiter.Allow("192.168.1.1") {
		t.Error("4th request should be denied, but was allowed")
	}
}

func TestFixedWindowLimiter_Allow_DifferentIPs(t *testing.T) {
	limiter := New(2, time.Minute)

	ip1 := "192.168.1.1"
	ip2 := "192.168.1.2"

	for i := 0; i < 2; i++ {
		if !limiter.Allow(ip1) {
			t.Errorf("Request %d for ip1 should be allowed", i+1)
		}
	}
	if limiter.Allow(ip1) {
		t.Error("Third request for ip1 should be denied")
	}

	// ip2 should still have full limit available
	for i := 0; i < 2; i++ {
		if !limiter.Allow(ip2) {
			t.Errorf("Request %d for ip2 should be allowed", i+1)
		}
	}
	if limiter.Allow(ip2) {
		t.Error("Third request for ip2 should be denied")
	}
}

func TestFixedWindowLimiter_Allow_WindowReset(t *testing.T) {
	clock := newClock()
	limiter := New(2, time.Minute).WithClock(clock.Now)
	ip := "192.168.1.1"

	limiter.Allow(ip)
	limiter.Allow(ip)
	if limiter.Allow(ip) {
		t.Error("Third request should be denied")
	}

	clock.Advance(61 * time.Second)

	if !limiter.Allow(ip) {
		t.Error("First request after window reset should be allowed")
	}
	if !limiter.Allow(ip) {
		t.Error("Second request after window reset should be allowed")
	}
}

func TestFixedWindowLimiter_ZeroLimit(t *testing.T) {
	limiter := New(0, time.Minute)
	if limiter.Allow("192.168.1.1") {
		t.Error("Zero limit should deny every request")
	}
}

func TestFixedWindowLimiter_Sweep(t *testing.T) {
	clock := newClock()
	limiter := New(5, time.Minute).WithClock(clock.Now)

	for i := 0; i < 10; i++ {
		limiter.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	if n := limiter.Sweep(); n != 10 {
		t.Errorf("Expected 10 live windows, got %d", n)
	}

	clock.Advance(2 * time.Minute)
	limiter.Allow("10.0.0.99")

	if n := limiter.Sweep(); n != 1 {
		t.Errorf("Expected 1 live window after sweep, got %d", n)
	}
}

func TestFixedWindowLimiter_Concurrent(t *testing.T) {
	limiter := New(50, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("192.168.1.1") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("Expected exactly 50 allowed requests, got %d", allowed)
	}
}

func TestMiddleware(t *testing.T) {
	limiter := New(1, time.Minute)
	handler := Middleware(limiter, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/licenses/validate", nil)
	req.RemoteAddr = "203.0.113.7:5555"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected status %d, got %d", http.StatusNoContent, w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status %d, got %d", http.StatusTooManyRequests, w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Expected Retry-After 60, got %q", w.Header().Get("Retry-After"))
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"remote addr", "198.51.100.1:1234", "", "198.51.100.1"},
		{"forwarded", "10.0.0.1:1234", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"no port", "198.51.100.2", "", "198.51.100.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func BenchmarkFixedWindowLimiter_Allow(b *testing.B) {
	limiter := New(b.N+1, time.Minute)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow("192.168.1.1")
	}
}
