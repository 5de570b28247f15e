package internal

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window limiter keyed by client address. It guards
// the diagnostic routes, each of which calls the record store on demand.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*window
	limit   int
	period  time.Duration
	now     func() time.Time
	sweepAt time.Time
}

type window struct {
	used    int
	resetAt time.Time
}

// NewRateLimiter allows limit requests per client in every period
func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 60
	}
	if period <= 0 {
		period = time.Minute
	}
	return &RateLimiter{
		clients: make(map[string]*window),
		limit:   limit,
		period:  period,
		now:     time.Now,
	}
}

// Take spends one request from client's budget. When the budget is gone it
// returns false and the time left until the window resets.
func (rl *RateLimiter) Take(client string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	// Expired windows are swept at most once per period.
	if !now.Before(rl.sweepAt) {
		rl.sweep(now)
		rl.sweepAt = now.Add(rl.period)
	}

	w, ok := rl.clients[client]
	if !ok || !now.Before(w.resetAt) {
		rl.clients[client] = &window{used: 1, resetAt: now.Add(rl.period)}
		return true, 0
	}
	if w.used >= rl.limit {
		return false, w.resetAt.Sub(now)
	}
	w.used++
	return true, 0
}

// Allow is Take without the wait
func (rl *RateLimiter) Allow(client string) bool {
	ok, _ := rl.Take(client)
	return ok
}

func (rl *RateLimiter) sweep(now time.Time) {
	for client, w := range rl.clients {
		if !now.Before(w.resetAt) {
			delete(rl.clients, client)
		}
	}
}

// Cleanup drops every expired window
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweep(rl.now())
}

// Size returns the number of tracked clients
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Middleware answers 429 with a Retry-After header once a client's budget
// for the current window is spent.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := rl.Take(ClientIP(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			_ = WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the originating client address: the first
// X-Forwarded-For hop, then X-Real-IP, then the connection's host without
// its port.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
