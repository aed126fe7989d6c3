package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxResponseBytes = 4 << 20

// HTTPProvider calls a JSON endpoint that accepts {prompt, code, mode} and
// answers {new_code, explanation, cost}.
type HTTPProvider struct {
	id        string
	endpoint  string
	secretEnv string
	secrets   SecretLookup
	client    *http.Client
}

var _ Capability = (*HTTPProvider)(nil)

// NewHTTPProvider creates a provider for endpoint authenticated by the secret
// named secretEnv.
func NewHTTPProvider(id, endpoint, secretEnv string, secrets SecretLookup, client *http.Client) *HTTPProvider {
	if secrets == nil {
		secrets = EnvSecrets
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{
		id:        id,
		endpoint:  endpoint,
		secretEnv: secretEnv,
		secrets:   secrets,
		client:    client,
	}
}

func (p *HTTPProvider) Name() string          { return p.id }
func (p *HTTPProvider) RequiresNetwork() bool { return true }
func (p *HTTPProvider) SecretSource() string  { return p.secretEnv }

type httpEditRequest struct {
	Prompt string `json:"prompt"`
	Code   string `json:"code"`
	Mode   string `json:"mode"`
}

type httpEditResponse struct {
	NewCode     *string `json:"new_code"`
	Explanation string  `json:"explanation"`
	Cost        float64 `json:"cost"`
}

// Edit posts the request to the endpoint.
func (p *HTTPProvider) Edit(ctx context.Context, req EditRequest) (Edit, error) {
	secret, ok := p.secrets(p.secretEnv)
	if !ok {
		return Edit{}, fmt.Errorf("%w: %s", ErrMissingSecret, p.secretEnv)
	}

	body, err := json.Marshal(httpEditRequest{Prompt: req.Prompt, Code: req.Code, Mode: string(req.Mode)})
	if err != nil {
		return Edit{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Edit{}, fmt.Errorf("%w: build request: %w", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+secret)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Edit{}, fmt.Errorf("%w: %s: %w", ErrTransport, p.id, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Edit{}, fmt.Errorf("%w: read response: %w", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Edit{}, fmt.Errorf("%w: %s returned status %d: %s", ErrTransport, p.id, resp.StatusCode, snippet(raw))
	}

	var decoded httpEditResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Edit{}, fmt.Errorf("%w: decode %s response: %w", ErrMalformedResponse, p.id, err)
	}
	if decoded.NewCode == nil {
		return Edit{}, fmt.Errorf("%w: %s response has no new_code", ErrMalformedResponse, p.id)
	}
	if decoded.Cost < 0 {
		return Edit{}, fmt.Errorf("%w: %s reported negative cost", ErrMalformedResponse, p.id)
	}

	return Edit{
		NewCode:     *decoded.NewCode,
		Explanation: decoded.Explanation,
		Cost:        decoded.Cost,
	}, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
