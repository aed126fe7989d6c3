// Package orchestrator turns a vibe request into an accepted code edit by
// walking a provider chain that always ends in the offline fallback.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/ashureev/stormcloud/internal/domain"
	"github.com/ashureev/stormcloud/internal/metrics"
	"github.com/ashureev/stormcloud/internal/provider"
)

// ErrAllProvidersExhausted means even the fallback failed. It indicates a
// misconfigured registry.
var ErrAllProvidersExhausted = errors.New("all providers exhausted")

// Ledger persists an accepted transformation together with the counter bump.
type Ledger interface {
	RecordTransformation(ctx context.Context, entry *domain.LedgerEntry) error
}

// Registry is the provider lookup the orchestrator needs.
type Registry interface {
	Resolve(id string) (provider.Capability, error)
	Fallback() provider.Capability
	Remote() []provider.Capability
}

// Orchestrator selects providers, invokes them with fallback and records the
// accepted result.
type Orchestrator struct {
	registry Registry
	ledger   Ledger
	timeout  time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// New creates an Orchestrator. timeout bounds each individual provider call.
func New(registry Registry, ledger Ledger, timeout time.Duration, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry: registry,
		ledger:   ledger,
		timeout:  timeout,
		log:      logger.With("component", "orchestrator"),
		now:      time.Now,
	}
}

// Candidates returns the provider order for a request. It is a pure function
// of the requested provider, the account's ai_requests_used counter and the
// registry contents.
func (o *Orchestrator) Candidates(requested string, aiRequestsUsed int64) []provider.Capability {
	fallback := o.registry.Fallback()

	if requested == "" || requested == domain.ProviderAuto {
		remote := o.registry.Remote()
		order := make([]provider.Capability, 0, len(remote)+1)
		if n := len(remote); n > 0 {
			start := int(aiRequestsUsed % int64(n))
			if start < 0 {
				start += n
			}
			for i := 0; i < n; i++ {
				order = append(order, remote[(start+i)%n])
			}
		}
		return append(order, fallback)
	}

	c, err := o.registry.Resolve(requested)
	if err != nil || c.Name() == fallback.Name() {
		return []provider.Capability{fallback}
	}
	return []provider.Capability{c, fallback}
}

// Vibe runs the provider chain for account and records the accepted edit.
// Provider failures are absorbed; only cancellation and ledger errors are
// returned.
func (o *Orchestrator) Vibe(ctx context.Context, account *domain.Account, req domain.VibeRequest) (*domain.VibeResult, error) {
	mode := req.Mode
	if mode == "" {
		mode = domain.ModeEdit
	}
	editReq := provider.EditRequest{Prompt: req.Prompt, Code: req.Code, Mode: mode}

	candidates := o.Candidates(req.Provider, account.AIRequestsUsed)
	attempted := make([]string, 0, len(candidates))

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempted = append(attempted, c.Name())

		edit, err := o.attempt(ctx, c, editReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			o.log.Warn("Provider failed, trying next",
				"provider", c.Name(),
				"account_id", account.ID,
				"error", err,
			)
			continue
		}

		return o.accept(ctx, account, req, c.Name(), edit, attempted)
	}

	o.log.Error("No provider produced a result",
		"account_id", account.ID,
		"attempted", attempted,
		"fatal", true,
	)
	return nil, fmt.Errorf("%w: attempted %v", ErrAllProvidersExhausted, attempted)
}

func (o *Orchestrator) attempt(ctx context.Context, c provider.Capability, req provider.EditRequest) (provider.Edit, error) {
	callCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	start := time.Now()
	edit, err := c.Edit(callCtx, req)
	metrics.ProviderLatency.WithLabelValues(c.Name()).Observe(time.Since(start).Seconds())

	status := "ok"
	switch {
	case err == nil && edit.Cost < 0:
		err = fmt.Errorf("%w: negative cost", provider.ErrMalformedResponse)
		status = "malformed"
	case err == nil:
	case errors.Is(err, provider.ErrMissingSecret):
		status = "unconfigured"
	case errors.Is(err, provider.ErrMalformedResponse):
		status = "malformed"
	case errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		err = fmt.Errorf("%w: %s timed out after %s", provider.ErrTransport, c.Name(), o.timeout)
		status = "timeout"
	default:
		status = "error"
	}
	metrics.ProviderRequestsTotal.WithLabelValues(c.Name(), status).Inc()
	return edit, err
}

func (o *Orchestrator) accept(ctx context.Context, account *domain.Account, req domain.VibeRequest, providerID string, edit provider.Edit, attempted []string) (*domain.VibeResult, error) {
	// A result that arrives after the caller left is discarded unrecorded.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry := &domain.LedgerEntry{
		ID:          uuid.NewString(),
		AccountID:   account.ID,
		Prompt:      req.Prompt,
		OldCode:     req.Code,
		NewCode:     edit.NewCode,
		Explanation: edit.Explanation,
		Provider:    providerID,
		Cost:        edit.Cost,
		CreatedAt:   o.now().UTC(),
	}
	if err := o.ledger.RecordTransformation(ctx, entry); err != nil {
		return nil, fmt.Errorf("record transformation: %w", err)
	}
	metrics.LedgerEntriesTotal.WithLabelValues(providerID).Inc()

	o.log.Info("Vibe accepted",
		"account_id", account.ID,
		"provider", providerID,
		"requested", req.Provider,
		"attempts", len(attempted),
		"cost", edit.Cost,
	)

	return &domain.VibeResult{
		NewCode:     edit.NewCode,
		Explanation: edit.Explanation,
		Provider:    providerID,
		Cost:        edit.Cost,
		Diff:        unifiedDiff(req.Code, edit.NewCode),
		Attempted:   attempted,
		EntryID:     entry.ID,
	}, nil
}

func unifiedDiff(before, after string) string {
	if before == after {
		return ""
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "before.py",
		ToFile:   "after.py",
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}
