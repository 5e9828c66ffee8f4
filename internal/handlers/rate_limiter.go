package handlers

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/forgemarket/api/internal/platform/auth"
	"github.com/forgemarket/api/internal/platform/httpx"
)

type rateLimiter interface {
	Allow(key string) bool
}

// RateLimitMiddleware limits each caller to perMinute requests across the
// router. Authenticated callers are keyed by uid, anonymous ones by remote
// address. A non-positive limit disables the middleware.
func RateLimitMiddleware(perMinute int) func(http.Handler) http.Handler {
	limiter := newKeyedRateLimiter(perMinute, time.Minute, nil)
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil {
				key = identity.UID
			}
			if !limiter.Allow(key) {
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests).
					WithDetails(map[string]any{"success": false}))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// keyedRateLimiter keeps one token bucket per caller key, sized so a full
// bucket holds one window's worth of requests.
type keyedRateLimiter struct {
	limit rate.Limit
	burst int
	clock func() time.Time
	mu    sync.Mutex
	store map[string]*rate.Limiter
}

func newKeyedRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &keyedRateLimiter{
		limit: rate.Every(window / time.Duration(limit)),
		burst: limit,
		clock: clock,
		store: make(map[string]*rate.Limiter),
	}
}

func (l *keyedRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}

	l.mu.Lock()
	bucket, ok := l.store[key]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.store[key] = bucket
	}
	l.mu.Unlock()

	return bucket.AllowN(l.clock(), 1)
}
