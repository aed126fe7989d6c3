package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/stormcloud/internal/domain"
	"github.com/ashureev/stormcloud/internal/identity"
	"github.com/ashureev/stormcloud/internal/provider"
	"github.com/ashureev/stormcloud/internal/relay"
	"github.com/ashureev/stormcloud/internal/store"
)

// Vibes runs a vibe request through the provider chain.
type Vibes interface {
	Vibe(ctx context.Context, account *domain.Account, req domain.VibeRequest) (*domain.VibeResult, error)
}

// LedgerReader lists recorded transformations.
type LedgerReader interface {
	ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]*domain.LedgerEntry, error)
}

// ProviderLister describes the registered providers.
type ProviderLister interface {
	List() []provider.Info
}

// VibeHandler serves the AI endpoints.
type VibeHandler struct {
	vibes     Vibes
	ledger    LedgerReader
	providers ProviderLister
	events    Publisher
}

// NewVibeHandler creates a vibe handler. events may be nil.
func NewVibeHandler(vibes Vibes, ledger LedgerReader, providers ProviderLister, events Publisher) *VibeHandler {
	if events == nil {
		events = nopPublisher{}
	}
	return &VibeHandler{vibes: vibes, ledger: ledger, providers: providers, events: events}
}

// RegisterRoutes registers AI routes. Vibe is registered separately so it
// can sit behind the rate limiter.
func (h *VibeHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ai/ledger", h.Ledger)
	r.Get("/ai/providers", h.Providers)
}

// RegisterVibe registers the billable vibe route.
func (h *VibeHandler) RegisterVibe(r chi.Router) {
	r.Post("/ai/vibe", h.Vibe)
}

type vibeRequest struct {
	Prompt      string `json:"prompt"`
	CurrentCode string `json:"current_code"`
	Code        string `json:"code"`
	Mode        string `json:"mode"`
	Provider    string `json:"provider"`
}

type vibeChanges struct {
	NewCode     string `json:"new_code"`
	Explanation string `json:"explanation"`
}

type vibeResponse struct {
	Changes           vibeChanges `json:"changes"`
	Provider          string      `json:"provider"`
	Cost              float64     `json:"cost"`
	RequestedProvider string      `json:"requested_provider"`
	Attempted         []string    `json:"attempted"`
	Diff              string      `json:"diff"`
	EntryID           string      `json:"entry_id"`
}

// Vibe applies a natural-language instruction to the submitted code. The
// provider comes from the ?provider= query parameter, then the body, then auto.
func (h *VibeHandler) Vibe(w http.ResponseWriter, r *http.Request) {
	account := identity.AccountFromContext(r.Context())
	if account == nil {
		Error(w, http.StatusUnauthorized, "Invalid or missing token")
		return
	}

	var body vibeRequest
	if err := decodeJSON(w, r, maxBodyBytes, &body); err != nil {
		writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		Error(w, http.StatusBadRequest, "prompt is required")
		return
	}
	mode, err := domain.ParseVibeMode(body.Mode)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	code := body.CurrentCode
	if code == "" {
		code = body.Code
	}
	requested := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("provider")))
	if requested == "" {
		requested = strings.ToLower(strings.TrimSpace(body.Provider))
	}
	if requested == "" {
		requested = domain.ProviderAuto
	}

	ctx := r.Context()
	result, err := h.vibes.Vibe(ctx, account, domain.VibeRequest{
		Prompt:   body.Prompt,
		Code:     code,
		Mode:     mode,
		Provider: requested,
	})
	if err != nil {
		if ctx.Err() != nil {
			slog.Info("Vibe cancelled by client", "account_id", account.ID)
			return
		}
		slog.Error("Failed to run vibe", "account_id", account.ID, "error", err)
		Error(w, http.StatusInternalServerError, "vibe failed")
		return
	}

	h.events.Publish(account.ID, relay.Event{
		Type: relay.EventVibeCompleted,
		Data: map[string]interface{}{
			"provider": result.Provider,
			"cost":     result.Cost,
			"entry_id": result.EntryID,
		},
	})

	JSON(w, http.StatusOK, vibeResponse{
		Changes:           vibeChanges{NewCode: result.NewCode, Explanation: result.Explanation},
		Provider:          result.Provider,
		Cost:              result.Cost,
		RequestedProvider: requested,
		Attempted:         result.Attempted,
		Diff:              result.Diff,
		EntryID:           result.EntryID,
	})
}

// Ledger lists the caller's recorded transformations, newest first.
func (h *VibeHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	account := identity.AccountFromContext(r.Context())
	if account == nil {
		Error(w, http.StatusUnauthorized, "Invalid or missing token")
		return
	}

	limit := store.DefaultLedgerLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := h.ledger.ListLedgerEntries(r.Context(), account.ID, limit)
	if errors.Is(err, store.ErrNotFound) {
		entries = nil
	} else if err != nil {
		slog.Error("Failed to list ledger entries", "account_id", account.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list ledger")
		return
	}
	if entries == nil {
		entries = []*domain.LedgerEntry{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// Providers lists registered providers and whether their secrets are set.
func (h *VibeHandler) Providers(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"providers": h.providers.List()})
}
