package provider

import (
	"fmt"
	"net/http"

	"github.com/ashureev/stormcloud/internal/config"
)

// BuildRegistry registers every configured provider behind the offline fallback.
func BuildRegistry(entries []config.ProviderEntry, secrets SecretLookup, client *http.Client) (*Registry, error) {
	reg := NewRegistry(Annotate{}, secrets)
	for _, e := range entries {
		var c Capability
		switch e.Kind {
		case config.ProviderKindHTTP:
			c = NewHTTPProvider(e.ID, e.Endpoint, e.SecretEnv, secrets, client)
		case config.ProviderKindOpenAI:
			c = NewOpenAIProvider(OpenAIOptions{
				ID:              e.ID,
				BaseURL:         e.BaseURL,
				Model:           e.Model,
				SecretEnv:       e.SecretEnv,
				CostPer1KTokens: e.CostPer1KTokens,
				Secrets:         secrets,
				HTTPClient:      client,
			})
		default:
			return nil, fmt.Errorf("provider %q: unknown kind %q", e.ID, e.Kind)
		}
		if err := reg.Register(e.ID, c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
