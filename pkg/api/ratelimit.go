package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/qorelogic/failsafe/pkg/contracts"
)

// Rate limit defaults for keyed endpoints: a fixed window counted per
// api key, falling back to client IP for unkeyed callers.
const (
	rateLimitMax    = 100
	rateLimitWindow = 60 * time.Second
)

// windowStore counts hits inside the current fixed window. Hit returns
// the count including this request and the instant the window resets.
type windowStore interface {
	Hit(ctx context.Context, key string) (count int, resetAt time.Time, err error)
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// memoryWindows is the in-process store. Expired windows are reaped
// opportunistically on write so an idle server does not need a sweeper.
type memoryWindows struct {
	mu      sync.Mutex
	entries map[string]windowEntry
}

func newMemoryWindows() *memoryWindows {
	return &memoryWindows{entries: make(map[string]windowEntry)}
}

func (m *memoryWindows) Hit(_ context.Context, key string) (int, time.Time, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) > 4096 {
		for k, e := range m.entries {
			if now.After(e.resetAt) {
				delete(m.entries, k)
			}
		}
	}

	e, ok := m.entries[key]
	if !ok || now.After(e.resetAt) {
		e = windowEntry{count: 0, resetAt: now.Add(rateLimitWindow)}
	}
	e.count++
	m.entries[key] = e
	return e.count, e.resetAt, nil
}

// redisWindows shares a window across replicas. INCR creates the key at 1,
// ExpireNX stamps the window only on that first hit, so the reset instant
// is stable for every replica observing the same key.
type redisWindows struct {
	client *redis.Client
}

func newRedisWindows(addr string) *redisWindows {
	return &redisWindows{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (r *redisWindows) Hit(ctx context.Context, key string) (int, time.Time, error) {
	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, "ratelimit:"+key)
	pipe.ExpireNX(ctx, "ratelimit:"+key, rateLimitWindow)
	ttl := pipe.PTTL(ctx, "ratelimit:"+key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}
	remaining := ttl.Val()
	if remaining < 0 {
		remaining = rateLimitWindow
	}
	return int(incr.Val()), time.Now().Add(remaining), nil
}

// rateLimit enforces the fixed window and stamps the X-RateLimit family
// on every response it owns. Store failures let the request through:
// an unreachable Redis must not take the control plane down with it.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderAPIKey)
		if key == "" {
			key = "ip:" + clientIP(r)
		}

		count, resetAt, err := s.windows.Hit(r.Context(), key)
		if err != nil {
			s.logger.Warn("rate limit store unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := rateLimitMax - count
		if remaining < 0 {
			remaining = 0
		}
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(rateLimitMax))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if count > rateLimitMax {
			retryAfter := int(time.Until(resetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			h.Set("Retry-After", strconv.Itoa(retryAfter))
			if s.metrics != nil {
				s.metrics.RecordRateLimited()
			}
			WriteCode(w, contracts.CodeRateLimitExceeded, "rate limit exceeded, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// healthLimiter throttles the unauthenticated health probe per source IP
// so it cannot be used as a free amplification target.
type healthLimiter struct {
	mu      sync.Mutex
	perIP   map[string]*rate.Limiter
	lastGC  time.Time
	limit   rate.Limit
	burst   int
	maxIdle time.Duration
}

func newHealthLimiter() *healthLimiter {
	return &healthLimiter{
		perIP:   make(map[string]*rate.Limiter),
		lastGC:  time.Now(),
		limit:   rate.Every(time.Second),
		burst:   5,
		maxIdle: 10 * time.Minute,
	}
}

func (h *healthLimiter) allow(ip string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if time.Since(h.lastGC) > h.maxIdle && len(h.perIP) > 1024 {
		h.perIP = make(map[string]*rate.Limiter)
		h.lastGC = time.Now()
	}

	lim, ok := h.perIP[ip]
	if !ok {
		lim = rate.NewLimiter(h.limit, h.burst)
		h.perIP[ip] = lim
	}
	return lim.Allow()
}
