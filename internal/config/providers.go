package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider kinds understood by the registry builder.
const (
	ProviderKindHTTP   = "http"
	ProviderKindOpenAI = "openai"
)

// ProviderEntry describes one remote AI provider. Secrets are never stored
// here, only the name of the environment variable that holds them.
type ProviderEntry struct {
	ID              string  `yaml:"id"`
	Kind            string  `yaml:"kind"`
	Endpoint        string  `yaml:"endpoint,omitempty"`
	BaseURL         string  `yaml:"base_url,omitempty"`
	Model           string  `yaml:"model,omitempty"`
	SecretEnv       string  `yaml:"secret_env"`
	CostPer1KTokens float64 `yaml:"cost_per_1k_tokens,omitempty"`
}

type providersFile struct {
	Providers []ProviderEntry `yaml:"providers"`
}

// DefaultProviders is the rotation used when no providers file is given.
func DefaultProviders() []ProviderEntry {
	return []ProviderEntry{
		{
			ID:        "google",
			Kind:      ProviderKindHTTP,
			Endpoint:  "https://api.google.com/gemini/v1/vibe",
			SecretEnv: "GOOGLE_API_KEY",
		},
		{
			ID:        "groq",
			Kind:      ProviderKindHTTP,
			Endpoint:  "https://api.groq.com/v1/vibe",
			SecretEnv: "GROQ_API_KEY",
		},
		{
			ID:        "openrouter",
			Kind:      ProviderKindOpenAI,
			BaseURL:   "https://openrouter.ai/api/v1",
			Model:     "openai/gpt-4o-mini",
			SecretEnv: "OPENROUTER_API_KEY",
		},
	}
}

// LoadProviders reads provider entries from a YAML file. An empty path
// yields DefaultProviders.
func LoadProviders(path string) ([]ProviderEntry, error) {
	if path == "" {
		return DefaultProviders(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file %s: %w", path, err)
	}

	var pf providersFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse providers file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(pf.Providers))
	for i := range pf.Providers {
		p := &pf.Providers[i]
		p.ID = strings.ToLower(strings.TrimSpace(p.ID))
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		if p.Kind == "" {
			p.Kind = ProviderKindHTTP
		}
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("provider %d: %w", i, err)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("provider %q declared twice", p.ID)
		}
		seen[p.ID] = true
	}

	return pf.Providers, nil
}

func (p ProviderEntry) validate() error {
	if p.ID == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if p.ID == "auto" || p.ID == "mock" {
		return fmt.Errorf("id %q is reserved", p.ID)
	}
	if p.SecretEnv == "" {
		return fmt.Errorf("%s: secret_env cannot be empty", p.ID)
	}
	switch p.Kind {
	case ProviderKindHTTP:
		if p.Endpoint == "" {
			return fmt.Errorf("%s: endpoint is required for http providers", p.ID)
		}
	case ProviderKindOpenAI:
		if p.Model == "" {
			return fmt.Errorf("%s: model is required for openai providers", p.ID)
		}
	default:
		return fmt.Errorf("%s: unknown kind %q", p.ID, p.Kind)
	}
	if p.CostPer1KTokens < 0 {
		return fmt.Errorf("%s: cost_per_1k_tokens cannot be negative", p.ID)
	}
	return nil
}
