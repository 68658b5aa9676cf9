package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return base }

	ok, _ := rl.Allow("10.0.0.1")
	assert.True(t, ok)
	ok, _ = rl.Allow("10.0.0.1")
	assert.True(t, ok)

	ok, wait := rl.Allow("10.0.0.1")
	assert.False(t, ok, "burst exhausted")
	assert.InDelta(t, time.Second.Seconds(), wait.Seconds(), 0.01)

	ok, _ = rl.Allow("10.0.0.2")
	assert.True(t, ok, "buckets are per IP")

	rl.now = func() time.Time { return base.Add(time.Second) }
	ok, _ = rl.Allow("10.0.0.1")
	assert.True(t, ok, "token refilled after a second")
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := NewRateLimiter(0, -1)
	assert.Equal(t, 10, rl.capacity)
	assert.InDelta(t, 20, float64(rl.rate), 0.001)
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(5, 5)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return base }
	rl.Allow("10.0.0.1")

	rl.now = func() time.Time { return base.Add(idleLimiterTTL / 2) }
	rl.Allow("10.0.0.2")

	rl.now = func() time.Time { return base.Add(idleLimiterTTL + time.Second) }
	assert.Equal(t, 1, rl.Cleanup())
	assert.Len(t, rl.limits, 1)
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	handler := RequestIDMiddleware(rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/businesses", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, send().Code)

	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, string(ErrCodeRateLimit), decodeError(t, rec).Code)
}
