package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const systemPrompt = `You are a code editing assistant for Python programs.
Apply the user's instruction to the code and reply with a single JSON object:
{"new_code": "<full updated program>", "explanation": "<one or two sentences>"}
Do not wrap the JSON in markdown. In "explain" mode return the code unchanged.`

// OpenAIProvider talks to any OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	id              string
	baseURL         string
	model           string
	secretEnv       string
	costPer1KTokens float64
	secrets         SecretLookup
	httpClient      *http.Client
}

var _ Capability = (*OpenAIProvider)(nil)

// OpenAIOptions configures an OpenAIProvider.
type OpenAIOptions struct {
	ID              string
	BaseURL         string
	Model           string
	SecretEnv       string
	CostPer1KTokens float64
	Secrets         SecretLookup
	HTTPClient      *http.Client
}

// NewOpenAIProvider creates an OpenAI-compatible provider.
func NewOpenAIProvider(opts OpenAIOptions) *OpenAIProvider {
	if opts.Secrets == nil {
		opts.Secrets = EnvSecrets
	}
	return &OpenAIProvider{
		id:              opts.ID,
		baseURL:         opts.BaseURL,
		model:           opts.Model,
		secretEnv:       opts.SecretEnv,
		costPer1KTokens: opts.CostPer1KTokens,
		secrets:         opts.Secrets,
		httpClient:      opts.HTTPClient,
	}
}

func (p *OpenAIProvider) Name() string          { return p.id }
func (p *OpenAIProvider) RequiresNetwork() bool { return true }
func (p *OpenAIProvider) SecretSource() string  { return p.secretEnv }

// Edit sends the prompt as a chat completion and parses the JSON reply.
func (p *OpenAIProvider) Edit(ctx context.Context, req EditRequest) (Edit, error) {
	key, ok := p.secrets(p.secretEnv)
	if !ok {
		return Edit{}, fmt.Errorf("%w: %s", ErrMissingSecret, p.secretEnv)
	}

	cfg := openai.DefaultConfig(key)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	if p.httpClient != nil {
		cfg.HTTPClient = p.httpClient
	}
	client := openai.NewClientWithConfig(cfg)

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(req)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return Edit{}, fmt.Errorf("%w: %s returned status %d: %s", ErrTransport, p.id, apiErr.HTTPStatusCode, apiErr.Message)
		}
		return Edit{}, fmt.Errorf("%w: %s: %w", ErrTransport, p.id, err)
	}
	if len(resp.Choices) == 0 {
		return Edit{}, fmt.Errorf("%w: %s returned no choices", ErrMalformedResponse, p.id)
	}

	edit, err := parseEditJSON(resp.Choices[0].Message.Content)
	if err != nil {
		return Edit{}, fmt.Errorf("%w: %s: %w", ErrMalformedResponse, p.id, err)
	}
	edit.Cost = float64(resp.Usage.TotalTokens) * p.costPer1KTokens / 1000
	return edit, nil
}

func userPrompt(req EditRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mode: %s\n", req.Mode)
	fmt.Fprintf(&b, "Instruction: %s\n", req.Prompt)
	b.WriteString("Code:\n")
	b.WriteString(req.Code)
	return b.String()
}

// parseEditJSON decodes the model reply, tolerating a markdown code fence.
func parseEditJSON(content string) (Edit, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}

	var decoded httpEditResponse
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		return Edit{}, fmt.Errorf("decode completion: %w", err)
	}
	if decoded.NewCode == nil {
		return Edit{}, errors.New("completion has no new_code")
	}
	return Edit{NewCode: *decoded.NewCode, Explanation: decoded.Explanation}, nil
}
