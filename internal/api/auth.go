package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/stormcloud/internal/domain"
	"github.com/ashureev/stormcloud/internal/identity"
	"github.com/ashureev/stormcloud/internal/store"
)

// Accounts is the identity surface the auth endpoints need.
type Accounts interface {
	Register(ctx context.Context, name, email, password string) (*identity.Session, error)
	Login(ctx context.Context, email, password string) (*identity.Session, error)
}

// StreamCloser ends the live event streams of an account.
type StreamCloser interface {
	CloseAccount(accountID string)
}

type nopStreamCloser struct{}

func (nopStreamCloser) CloseAccount(string) {}

// AuthHandler serves registration, login and account introspection.
type AuthHandler struct {
	accounts Accounts
	streams  StreamCloser
}

// NewAuthHandler creates an auth handler. streams may be nil.
func NewAuthHandler(accounts Accounts, streams StreamCloser) *AuthHandler {
	if streams == nil {
		streams = nopStreamCloser{}
	}
	return &AuthHandler{accounts: accounts, streams: streams}
}

// RegisterPublicRoutes registers unauthenticated routes.
func (h *AuthHandler) RegisterPublicRoutes(r chi.Router) {
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
}

// RegisterRoutes registers routes that require an authenticated account.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/auth/me", h.Me)
	r.Get("/usage", h.Usage)
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

type userView struct {
	ID               string      `json:"id"`
	Email            string      `json:"email"`
	Name             string      `json:"name"`
	SubscriptionTier domain.Tier `json:"subscription_tier"`
}

type sessionResponse struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	User        userView `json:"user"`
}

func newSessionResponse(s *identity.Session) sessionResponse {
	return sessionResponse{
		AccessToken: s.Token,
		TokenType:   "bearer",
		User: userView{
			ID:               s.Account.ID,
			Email:            s.Account.Email,
			Name:             s.Account.Name,
			SubscriptionTier: s.Account.Tier,
		},
	}
}

// Register creates an account.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	session, err := h.accounts.Register(r.Context(), req.Name, req.Email, req.Password)
	switch {
	case errors.Is(err, store.ErrEmailTaken):
		Error(w, http.StatusBadRequest, "Email already exists")
		return
	case errors.Is(err, identity.ErrInvalidInput):
		Error(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.Error("Failed to register account", "error", err)
		Error(w, http.StatusInternalServerError, "failed to register")
		return
	}

	slog.Info("Account registered", "account_id", session.Account.ID)
	JSON(w, http.StatusOK, newSessionResponse(session))
}

// Login verifies credentials and issues a fresh token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	session, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if errors.Is(err, identity.ErrInvalidCredentials) {
		Error(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err != nil {
		slog.Error("Failed to log in", "error", err)
		Error(w, http.StatusInternalServerError, "failed to log in")
		return
	}

	// Login rotated the credential; streams opened with the old token end here.
	h.streams.CloseAccount(session.Account.ID)

	JSON(w, http.StatusOK, newSessionResponse(session))
}

// Me returns the authenticated account with its counters.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	account := identity.AccountFromContext(r.Context())
	if account == nil {
		Error(w, http.StatusUnauthorized, "Invalid or missing token")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"id":                account.ID,
		"email":             account.Email,
		"name":              account.Name,
		"subscription_tier": account.Tier,
		"ai_requests_used":  account.AIRequestsUsed,
		"executions_used":   account.ExecutionsUsed,
	})
}

// Usage returns the authenticated account's counters.
func (h *AuthHandler) Usage(w http.ResponseWriter, r *http.Request) {
	account := identity.AccountFromContext(r.Context())
	if account == nil {
		Error(w, http.StatusUnauthorized, "Invalid or missing token")
		return
	}
	JSON(w, http.StatusOK, account.Usage())
}
