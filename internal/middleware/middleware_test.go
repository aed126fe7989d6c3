package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/stormcloud/internal/domain"
	"github.com/ashureev/stormcloud/internal/identity"
)

func TestCORS(t *testing.T) {
	t.Parallel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	t.Run("explicit origin gets credentials", func(t *testing.T) {
		h := CORS([]string{"https://app.example.com"})(ok)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Fatalf("Allow-Origin = %q", got)
		}
		if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
			t.Fatal("expected credentials for explicit origin")
		}
	})

	t.Run("wildcard has no credentials", func(t *testing.T) {
		h := CORS([]string{"*"})(ok)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Header().Get("Access-Control-Allow-Credentials") != "" {
			t.Fatal("wildcard must not allow credentials")
		}
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		h := CORS([]string{"*"})(ok)
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("unknown origin gets no headers", func(t *testing.T) {
		h := CORS([]string{"https://app.example.com"})(ok)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://other.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Fatal("unexpected Allow-Origin for unknown origin")
		}
	})
}

func TestWindowLimiter(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Unix(1_700_000_000, 0)
	l := NewWindowLimiter(ctx, 2, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow(ctx, "a"); !ok {
			t.Fatalf("request %d denied", i)
		}
	}
	if ok, _ := l.Allow(ctx, "a"); ok {
		t.Fatal("third request allowed")
	}
	if ok, _ := l.Allow(ctx, "b"); !ok {
		t.Fatal("other key denied")
	}

	now = now.Add(61 * time.Second)
	if ok, _ := l.Allow(ctx, "a"); !ok {
		t.Fatal("request after window denied")
	}

	now = now.Add(2 * time.Minute)
	l.evict()
	l.mu.Lock()
	remaining := len(l.requests)
	l.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("evict left %d keys", remaining)
	}
}

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allow, s.err
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	account := &domain.Account{ID: "acct-9"}

	tests := []struct {
		name    string
		limiter *stubLimiter
		want    int
	}{
		{"allowed", &stubLimiter{allow: true}, http.StatusOK},
		{"rejected", &stubLimiter{allow: false}, http.StatusTooManyRequests},
		{"limiter error fails open", &stubLimiter{err: errors.New("redis down")}, http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/api/execute", nil)
		req = req.WithContext(identity.WithAccount(req.Context(), account))
		rec := httptest.NewRecorder()
		RateLimit(tt.limiter, time.Minute)(next).ServeHTTP(rec, req)

		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.want)
		}
		if len(tt.limiter.keys) != 1 || tt.limiter.keys[0] != "acct-9" {
			t.Errorf("%s: keys = %v, want [acct-9]", tt.name, tt.limiter.keys)
		}
		if tt.want == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "60" {
			t.Errorf("%s: Retry-After = %q", tt.name, rec.Header().Get("Retry-After"))
		}
	}
}

func TestRedisLimiter(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx := context.Background()
	client, err := NewRedisClient(ctx, addr, os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	defer client.Close()

	l := NewRedisLimiter(client, 2, time.Minute)
	fixed := time.Now()
	l.now = func() time.Time { return fixed }
	key := "test-" + uuid.NewString()
	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, key)
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, err := l.Allow(ctx, key); err != nil || ok {
		t.Fatalf("third request: ok=%v err=%v, want denied", ok, err)
	}
}
