package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/stormcloud/internal/identity"
	"github.com/ashureev/stormcloud/internal/metrics"
)

// Limiter decides whether another request for key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// WindowLimiter is an in-process sliding-window limiter. Keys are account IDs
// so rotating tokens does not bypass throttling.
type WindowLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewWindowLimiter creates a limiter and starts eviction of idle keys until ctx is done.
func NewWindowLimiter(ctx context.Context, limit int, window time.Duration) *WindowLimiter {
	l := &WindowLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
	go l.evictLoop(ctx)
	return l
}

// Allow records a request for key if it fits in the window.
func (l *WindowLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.prune(l.requests[key], now.Add(-l.window))
	if len(recent) >= l.limit {
		l.requests[key] = recent
		return false, nil
	}
	l.requests[key] = append(recent, now)
	return true, nil
}

func (l *WindowLimiter) prune(times []time.Time, cutoff time.Time) []time.Time {
	var fresh []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	return fresh
}

func (l *WindowLimiter) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict()
		}
	}
}

func (l *WindowLimiter) evict() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	for key, times := range l.requests {
		if fresh := l.prune(times, cutoff); len(fresh) == 0 {
			delete(l.requests, key)
		} else {
			l.requests[key] = fresh
		}
	}
}

// RateLimit throttles authenticated requests per account. It must run after
// identity.Middleware. A limiter error fails open.
func RateLimit(limiter Limiter, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := identity.IPFromRequest(r)
			if account := identity.AccountFromContext(r.Context()); account != nil {
				key = account.ID
			}

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				slog.Warn("Rate limiter unavailable, allowing request", "key", key, "error", err)
				allowed = true
			}
			if !allowed {
				route := r.URL.Path
				if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
					route = rctx.RoutePattern()
				}
				metrics.RateLimitRejectedTotal.WithLabelValues(route).Inc()

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
