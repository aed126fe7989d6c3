package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports database and sandbox health.
type HealthHandler struct {
	db      Pinger
	sandbox Pinger
	timeout time.Duration
}

// NewHealthHandler creates a health handler. sandbox may be nil.
func NewHealthHandler(db, sandbox Pinger, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{db: db, sandbox: sandbox, timeout: timeout}
}

// RegisterHealth registers the health route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health returns 200 when every dependency answers and 503 otherwise.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{}

	if err := h.db.Ping(ctx); err != nil {
		slog.Warn("Database health check failed", "error", err)
		checks["database"] = "unavailable"
		status = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.sandbox != nil {
		if err := h.sandbox.Ping(ctx); err != nil {
			slog.Warn("Sandbox health check failed", "error", err)
			checks["sandbox"] = "unavailable"
			status = http.StatusServiceUnavailable
		} else {
			checks["sandbox"] = "ok"
		}
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	JSON(w, status, map[string]interface{}{
		"status": overall,
		"checks": checks,
	})
}
