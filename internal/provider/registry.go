package provider

import (
	"fmt"
	"strings"
	"sync"
)

// Info describes a registered provider for listings.
type Info struct {
	ID              string `json:"id"`
	RequiresNetwork bool   `json:"requires_network"`
	SecretSource    string `json:"secret_source,omitempty"`
	Configured      bool   `json:"configured"`
	Fallback        bool   `json:"fallback"`
}

// Registry maps provider identifiers to capabilities. It always holds a
// fallback that cannot fail.
type Registry struct {
	mu       sync.RWMutex
	caps     map[string]Capability
	order    []string
	fallback Capability
	secrets  SecretLookup
}

// NewRegistry creates a registry with the given fallback registered under its name.
func NewRegistry(fallback Capability, secrets SecretLookup) *Registry {
	if secrets == nil {
		secrets = EnvSecrets
	}
	id := normalizeID(fallback.Name())
	return &Registry{
		caps:     map[string]Capability{id: fallback},
		order:    []string{id},
		fallback: fallback,
		secrets:  secrets,
	}
}

// Register adds a capability under id.
func (r *Registry) Register(id string, c Capability) error {
	id = normalizeID(id)
	if id == "" {
		return fmt.Errorf("provider id cannot be empty")
	}
	if c == nil {
		return fmt.Errorf("provider %q: capability cannot be nil", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[id]; exists {
		return fmt.Errorf("provider %q already registered", id)
	}
	r.caps[id] = c
	r.order = append(r.order, id)
	return nil
}

// Resolve returns the capability registered under id.
func (r *Registry) Resolve(id string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[normalizeID(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// Fallback returns the capability of last resort.
func (r *Registry) Fallback() Capability {
	return r.fallback
}

// Remote returns the network-backed providers in registration order. This
// is the rotation used for automatic selection.
func (r *Registry) Remote() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Capability, 0, len(r.order))
	for _, id := range r.order {
		c := r.caps[id]
		if id == normalizeID(r.fallback.Name()) || !c.RequiresNetwork() {
			continue
		}
		out = append(out, c)
	}
	return out
}

// List describes every registered provider.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		c := r.caps[id]
		info := Info{
			ID:              id,
			RequiresNetwork: c.RequiresNetwork(),
			SecretSource:    c.SecretSource(),
			Fallback:        id == normalizeID(r.fallback.Name()),
		}
		if info.SecretSource == "" {
			info.Configured = true
		} else {
			_, info.Configured = r.secrets(info.SecretSource)
		}
		out = append(out, info)
	}
	return out
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
