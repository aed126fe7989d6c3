// Package identity resolves bearer credentials to accounts.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/ashureev/stormcloud/internal/domain"
)

// TokenHeaderName is the alternate header carrying a bare token.
const TokenHeaderName = "token"

type contextKey int

const accountKey contextKey = iota

// Authenticator resolves a raw token to an account.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.Account, error)
}

// AccountFromContext returns the authenticated account, or nil.
func AccountFromContext(ctx context.Context) *domain.Account {
	if v, ok := ctx.Value(accountKey).(*domain.Account); ok {
		return v
	}
	return nil
}

// WithAccount returns a context carrying account.
func WithAccount(ctx context.Context, account *domain.Account) context.Context {
	return context.WithValue(ctx, accountKey, account)
}

// TokenFromRequest extracts a token from the Authorization bearer header, the
// token header, or the token query parameter (browsers cannot set headers on
// websocket upgrades).
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	if t := r.Header.Get(TokenHeaderName); t != "" {
		return strings.TrimSpace(t)
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Middleware rejects requests without a valid token and stores the account in
// the request context.
func Middleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			account, err := auth.Authenticate(r.Context(), TokenFromRequest(r))
			if errors.Is(err, ErrUnauthorized) {
				slog.Debug("Authentication failed", "ip", IPFromRequest(r), "error", err)
				writeError(w, http.StatusUnauthorized, "Invalid or missing token")
				return
			}
			if err != nil {
				slog.Error("Failed to authenticate request", "error", err)
				writeError(w, http.StatusInternalServerError, "failed to authenticate")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), account)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
