package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimitByIP applies per-IP rate limiting for unauthenticated endpoints.
// Uses chi's RealIP middleware value via r.RemoteAddr. Stale entries are
// cleaned up every 10 minutes.
func RateLimitByIP(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	limiters := newLimiterTable(ctx)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lim := limiters.limiterFor(r.RemoteAddr, requestsPerSecond, burst)
			if !lim.Allow() {
				http.Error(w, `{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit applies per-client rate limiting on authenticated routes.
// Requests without a client in context skip limiting.
func RateLimit(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	limiters := newLimiterTable(ctx)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID, ok := ClientIDFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			lim := limiters.limiterFor(clientID, requestsPerSecond, burst)
			if !lim.Allow() {
				http.Error(w, `{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type limiterTable struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
}

// newLimiterTable creates a keyed limiter table with background cleanup of
// stale entries to prevent unbounded memory growth.
func newLimiterTable(ctx context.Context) *limiterTable {
	t := &limiterTable{limiters: make(map[string]*clientLimiter)}

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.mu.Lock()
				cutoff := time.Now().Add(-30 * time.Minute)
				for key, cl := range t.limiters {
					if cl.lastAccess.Before(cutoff) {
						delete(t.limiters, key)
					}
				}
				t.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	return t
}

func (t *limiterTable) limiterFor(key string, requestsPerSecond float64, burst int) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	cl, ok := t.limiters[key]
	if !ok {
		cl = &clientLimiter{
			limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
			lastAccess: time.Now(),
		}
		t.limiters[key] = cl
	} else {
		cl.lastAccess = time.Now()
	}
	return cl.limiter
}
