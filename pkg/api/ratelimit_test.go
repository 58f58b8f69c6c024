package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryWindowsCounts(t *testing.T) {
	m := newMemoryWindows()

	for i := 1; i <= 5; i++ {
		count, resetAt, err := m.Hit(context.Background(), "key-a")
		require.NoError(t, err)
		assert.Equal(t, i, count)
		assert.WithinDuration(t, time.Now().Add(rateLimitWindow), resetAt, 2*time.Second)
	}

	count, _, err := m.Hit(context.Background(), "key-b")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "windows are per key")
}

func TestMemoryWindowsResetAfterExpiry(t *testing.T) {
	m := newMemoryWindows()
	m.entries["key-a"] = windowEntry{count: 80, resetAt: time.Now().Add(-time.Second)}

	count, _, err := m.Hit(context.Background(), "key-a")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "an expired window starts over")
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitStampsHeaders(t *testing.T) {
	s := NewServer(Config{})
	h := s.rateLimit(okHandler())

	r := httptest.NewRequest(http.MethodPost, "/evaluate", nil)
	r.Header.Set(HeaderAPIKey, "caller-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, strconv.Itoa(rateLimitMax), rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, strconv.Itoa(rateLimitMax-1), rec.Header().Get("X-RateLimit-Remaining"))

	reset, err := strconv.ParseInt(rec.Header().Get("X-RateLimit-Reset"), 10, 64)
	require.NoError(t, err)
	assert.Greater(t, reset, time.Now().Unix()-1)
}

func TestRateLimitRejectsOverWindow(t *testing.T) {
	s := NewServer(Config{})
	windows := s.windows.(*memoryWindows)
	windows.entries["caller-1"] = windowEntry{
		count:   rateLimitMax,
		resetAt: time.Now().Add(30 * time.Second),
	}

	h := s.rateLimit(okHandler())
	r := httptest.NewRequest(http.MethodPost, "/evaluate", nil)
	r.Header.Set(HeaderAPIKey, "caller-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Positive(t, retryAfter)
	assert.LessOrEqual(t, retryAfter, 30)

	// A different key still has a fresh window.
	r = httptest.NewRequest(http.MethodPost, "/evaluate", nil)
	r.Header.Set(HeaderAPIKey, "caller-2")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitFallsBackToClientIP(t *testing.T) {
	s := NewServer(Config{})
	h := s.rateLimit(okHandler())

	r := httptest.NewRequest(http.MethodPost, "/evaluate", nil)
	r.RemoteAddr = "203.0.113.9:4455"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	windows := s.windows.(*memoryWindows)
	_, tracked := windows.entries["ip:203.0.113.9"]
	assert.True(t, tracked, "unkeyed callers are tracked by source ip")
}

func TestHealthLimiterThrottlesPerIP(t *testing.T) {
	h := newHealthLimiter()

	allowed := 0
	for i := 0; i < 10; i++ {
		if h.allow("198.51.100.1") {
			allowed++
		}
	}
	assert.Equal(t, h.burst, allowed, "burst then throttle")
	assert.True(t, h.allow("198.51.100.2"), "other sources are unaffected")
}
