// Package provider defines AI code-editing backends and the registry that
// maps provider identifiers to them.
package provider

import (
	"context"
	"errors"
	"os"

	"github.com/ashureev/stormcloud/internal/domain"
)

var (
	// ErrNotFound is returned by Resolve for an unregistered identifier.
	ErrNotFound = errors.New("provider not found")

	// ErrMissingSecret means the provider's credential is not configured.
	ErrMissingSecret = errors.New("provider secret not configured")

	// ErrTransport covers network failures, timeouts and non-2xx responses.
	ErrTransport = errors.New("provider transport error")

	// ErrMalformedResponse means the provider answered but not with a usable edit.
	ErrMalformedResponse = errors.New("provider returned malformed response")
)

// EditRequest is what a capability receives.
type EditRequest struct {
	Prompt string
	Code   string
	Mode   domain.VibeMode
}

// Edit is what a capability produces.
type Edit struct {
	NewCode     string  `json:"new_code"`
	Explanation string  `json:"explanation"`
	Cost        float64 `json:"cost"`
}

// Capability turns a prompt and code into an edit.
type Capability interface {
	// Name returns the provider identifier.
	Name() string

	// RequiresNetwork reports whether Edit talks to a remote service.
	RequiresNetwork() bool

	// SecretSource names where the credential comes from, or "" if none.
	SecretSource() string

	// Edit performs the transformation.
	Edit(ctx context.Context, req EditRequest) (Edit, error)
}

// SecretLookup resolves a secret by name.
type SecretLookup func(key string) (string, bool)

// EnvSecrets reads secrets from the process environment.
func EnvSecrets(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
