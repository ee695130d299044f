package web

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default cleanup intervals.
const (
	cleanupInterval = 1 * time.Minute
	visitorTimeout  = 3 * time.Minute
)

// visitor is a single client (IP) and its token bucket.
type visitor struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	lastSeen time.Time
}

// RateLimiter applies a per-IP token bucket to submissions.
type RateLimiter struct {
	// visitors maps IP addresses to their bucket.
	// mu is an RWMutex so lookups of known visitors run in parallel.
	visitors map[string]*visitor
	mu       sync.RWMutex

	// rate is the number of tokens added per second.
	rate rate.Limit
	// burst is the bucket capacity.
	burst int
}

// NewRateLimiter creates a RateLimiter and starts the background cleanup,
// which runs until ctx is canceled.
func NewRateLimiter(ctx context.Context, perSecond float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}

	go rl.cleanupVisitors(ctx)

	return rl
}

// getVisitor retrieves or creates the bucket for the given IP.
func (rl *RateLimiter) getVisitor(ip string) *visitor {
	// 1. Fast Path: Read Lock
	rl.mu.RLock()
	v, exists := rl.visitors[ip]
	rl.mu.RUnlock()

	if exists {
		return v
	}

	// 2. Slow Path: Write Lock (Create new visitor)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if v, exists = rl.visitors[ip]; !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)} // Start full
		rl.visitors[ip] = v
	}
	return v
}

// Allow reports whether a request from ip may proceed, consuming one token if so.
func (rl *RateLimiter) Allow(ip string) bool {
	v := rl.getVisitor(ip)

	v.mu.Lock()
	v.lastSeen = time.Now()
	v.mu.Unlock()

	return v.limiter.Allow()
}

// cleanupVisitors removes inactive clients to prevent memory leaks.
func (rl *RateLimiter) cleanupVisitors(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evictIdle(visitorTimeout)
		}
	}
}

func (rl *RateLimiter) evictIdle(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for ip, v := range rl.visitors {
		v.mu.Lock()
		if time.Since(v.lastSeen) > idle {
			delete(rl.visitors, ip)
		}
		v.mu.Unlock()
	}
}

// RateLimitMiddleware wraps an http.HandlerFunc to enforce rate limits.
func (rl *RateLimiter) RateLimitMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too Many Requests"})
			return
		}
		next(w, r)
	}
}

// clientIP prefers the first X-Forwarded-For hop, then the connection's remote host.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
