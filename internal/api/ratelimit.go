package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/Harvey-AU/seo-pagegen/internal/util"
	"golang.org/x/time/rate"
)

// idleLimiterTTL is how long an IP keeps its bucket without traffic
const idleLimiterTTL = 10 * time.Minute

// RateLimiter hands out a token bucket per client IP
type RateLimiter struct {
	limits   map[string]*ipLimiter
	mu       sync.Mutex
	rate     rate.Limit
	capacity int
	now      func() time.Time
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second with the
// given burst. Non-positive values fall back to 20 rps and a burst of 10.
func NewRateLimiter(rps, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		limits:   make(map[string]*ipLimiter),
		rate:     rate.Limit(rps),
		capacity: burst,
		now:      time.Now,
	}
}

// Allow reports whether a request from ip may proceed, and if not, how long
// until a token is available.
func (rl *RateLimiter) Allow(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	l, ok := rl.limits[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(rl.rate, rl.capacity)}
		rl.limits[ip] = l
	}
	l.lastSeen = now

	res := l.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Cleanup drops buckets idle for longer than idleLimiterTTL. Returns how many
// were removed.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idleLimiterTTL)
	removed := 0
	for ip, l := range rl.limits {
		if l.lastSeen.Before(cutoff) {
			delete(rl.limits, ip)
			removed++
		}
	}
	return removed
}

// Middleware rejects requests over the per-IP rate with 429
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retryAfter := rl.Allow(util.GetClientIP(r))
		if !ok {
			TooManyRequests(w, r, "Too many requests", retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}
