// Package openai provides an llm.Provider backed by any OpenAI-compatible
// chat-completions API, including local servers such as Ollama or vLLM when
// pointed at their base URL.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/voxhall/voxhall/pkg/provider/llm"
)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Use this to target
// OpenAI-compatible local servers.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client oai.Client

	mu    sync.RWMutex
	model string
}

var _ llm.Provider = (*Provider)(nil)

// New constructs an OpenAI chat provider. apiKey may be empty for local
// servers that do not authenticate.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Chat implements llm.Provider.
func (p *Provider) Chat(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error) {
	params := oai.ChatCompletionNewParams{
		Model: oai.ChatModel(p.requestModel(opts.Model)),
	}
	for _, m := range messages {
		switch m.Role {
		case "system":
			params.Messages = append(params.Messages, oai.SystemMessage(m.Content))
		case "assistant":
			params.Messages = append(params.Messages, oai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, oai.UserMessage(m.Content))
		}
	}
	if opts.Temperature > 0 {
		params.Temperature = oai.Float(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = oai.Int(int64(opts.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *Provider) requestModel(override string) string {
	if override != "" {
		return override
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

// Models implements llm.Provider.
func (p *Provider) Models(ctx context.Context) ([]string, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("openai: list models: %w", err)
	}
	names := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

// Model implements llm.Provider.
func (p *Provider) Model() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

// SetModel implements llm.Provider.
func (p *Provider) SetModel(model string) error {
	if model == "" {
		return fmt.Errorf("openai: model must not be empty")
	}
	p.mu.Lock()
	p.model = model
	p.mu.Unlock()
	return nil
}
