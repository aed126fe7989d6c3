package domain

import (
	"fmt"
	"strings"
	"time"
)

// ProviderAuto asks the orchestrator to rotate across remote providers.
const ProviderAuto = "auto"

// VibeMode selects what the provider should do with the code.
type VibeMode string

const (
	ModeEdit     VibeMode = "edit"
	ModeExplain  VibeMode = "explain"
	ModeRefactor VibeMode = "refactor"
)

// ParseVibeMode parses s into a VibeMode. An empty string means edit.
func ParseVibeMode(s string) (VibeMode, error) {
	switch VibeMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeEdit:
		return ModeEdit, nil
	case ModeExplain:
		return ModeExplain, nil
	case ModeRefactor:
		return ModeRefactor, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// VibeRequest is a natural-language request to transform code.
type VibeRequest struct {
	Prompt   string   `json:"prompt"`
	Code     string   `json:"code"`
	Mode     VibeMode `json:"mode,omitempty"`
	Provider string   `json:"provider,omitempty"`
}

// VibeResult is the normalized result of an accepted transformation.
type VibeResult struct {
	NewCode     string
	Explanation string
	Provider    string
	Cost        float64
	Diff        string
	Attempted   []string
	EntryID     string
}

// LedgerEntry is an append-only audit record of one accepted transformation.
type LedgerEntry struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	Prompt      string    `json:"prompt"`
	OldCode     string    `json:"old_code"`
	NewCode     string    `json:"new_code"`
	Explanation string    `json:"explanation"`
	Provider    string    `json:"provider"`
	Cost        float64   `json:"cost"`
	CreatedAt   time.Time `json:"timestamp"`
}
