package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/stormcloud/internal/domain"
	"github.com/ashureev/stormcloud/internal/identity"
	"github.com/ashureev/stormcloud/internal/metrics"
	"github.com/ashureev/stormcloud/internal/relay"
	"github.com/ashureev/stormcloud/internal/sandbox"
)

const usageWriteTimeout = 5 * time.Second

// ExecutionCounter records a used execution.
type ExecutionCounter interface {
	IncrementExecutions(ctx context.Context, accountID string) error
}

// ExecuteHandler runs submitted code in the sandbox.
type ExecuteHandler struct {
	runner       sandbox.Runner
	counter      ExecutionCounter
	events       Publisher
	limits       sandbox.Limits
	maxCodeBytes int
}

// NewExecuteHandler creates an execute handler. events may be nil.
func NewExecuteHandler(runner sandbox.Runner, counter ExecutionCounter, events Publisher, limits sandbox.Limits, maxCodeBytes int) *ExecuteHandler {
	if events == nil {
		events = nopPublisher{}
	}
	return &ExecuteHandler{
		runner:       runner,
		counter:      counter,
		events:       events,
		limits:       limits,
		maxCodeBytes: maxCodeBytes,
	}
}

// RegisterRoutes registers execution routes.
func (h *ExecuteHandler) RegisterRoutes(r chi.Router) {
	r.Post("/execute", h.Execute)
}

// RegisterConfig registers the public sandbox configuration route.
func (h *ExecuteHandler) RegisterConfig(r chi.Router) {
	r.Get("/api/config", h.GetConfig)
}

type executeResponse struct {
	Output        string  `json:"output"`
	ExitCode      int     `json:"exit_code"`
	ExecutionTime float64 `json:"execution_time"`
	TimedOut      bool    `json:"timed_out,omitempty"`
}

// Execute runs one submission. Sandbox failures are reported as 503 and are
// not counted; program errors and timeouts are normal results and are counted.
func (h *ExecuteHandler) Execute(w http.ResponseWriter, r *http.Request) {
	account := identity.AccountFromContext(r.Context())
	if account == nil {
		Error(w, http.StatusUnauthorized, "Invalid or missing token")
		return
	}

	var req domain.ExecutionRequest
	// JSON escaping can grow each code byte up to six (\u00XX), so the
	// body cap is looser than the decoded limit checked below.
	if err := decodeJSON(w, r, 6*int64(h.maxCodeBytes)+4096, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	lang := strings.ToLower(strings.TrimSpace(req.Language))
	if lang == "" {
		lang = domain.LanguagePython
	}
	if lang != domain.LanguagePython {
		Error(w, http.StatusBadRequest, fmt.Sprintf("unsupported language %q", req.Language))
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		Error(w, http.StatusBadRequest, "code is required")
		return
	}
	req.AccountID = account.ID
	if len(req.Code) > h.maxCodeBytes {
		Error(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("code exceeds %d bytes", h.maxCodeBytes))
		return
	}

	ctx := r.Context()
	result, err := h.runner.Run(ctx, req.Code, h.limits)
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrSandboxUnavailable):
			metrics.ExecutionsTotal.WithLabelValues("unavailable").Inc()
			slog.Error("Sandbox unavailable", "account_id", req.AccountID, "error", err)
			Error(w, http.StatusServiceUnavailable, "sandbox unavailable")
		case ctx.Err() != nil:
			metrics.ExecutionsTotal.WithLabelValues("cancelled").Inc()
			slog.Info("Execution cancelled by client", "account_id", account.ID)
		default:
			slog.Error("Failed to execute code", "account_id", account.ID, "error", err)
			Error(w, http.StatusInternalServerError, "execution failed")
		}
		return
	}

	// The program ran, so it is counted even if the client has gone away.
	usageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), usageWriteTimeout)
	defer cancel()
	if err := h.counter.IncrementExecutions(usageCtx, account.ID); err != nil {
		slog.Error("Failed to record execution", "account_id", account.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to record usage")
		return
	}

	outcome := "ok"
	switch {
	case result.TimedOut:
		outcome = "timeout"
	case result.ExitCode != 0:
		outcome = "error"
	}
	metrics.ExecutionsTotal.WithLabelValues(outcome).Inc()
	metrics.ExecutionDuration.Observe(result.Duration.Seconds())

	resp := executeResponse{
		Output:        result.Output,
		ExitCode:      result.ExitCode,
		ExecutionTime: result.ExecutionTime(),
		TimedOut:      result.TimedOut,
	}
	h.events.Publish(account.ID, relay.Event{
		Type: relay.EventExecutionCompleted,
		Data: map[string]interface{}{
			"exit_code":      resp.ExitCode,
			"execution_time": resp.ExecutionTime,
			"timed_out":      resp.TimedOut,
		},
	})

	slog.Info("Execution completed",
		"account_id", account.ID,
		"exit_code", result.ExitCode,
		"timed_out", result.TimedOut,
		"duration", result.Duration,
	)
	JSON(w, http.StatusOK, resp)
}

// GetConfig returns sandbox limits for the frontend.
func (h *ExecuteHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"language":        domain.LanguagePython,
		"timeout_seconds": h.limits.Timeout.Seconds(),
		"memory_bytes":    h.limits.MemoryBytes,
		"max_code_bytes":  h.maxCodeBytes,
	})
}
