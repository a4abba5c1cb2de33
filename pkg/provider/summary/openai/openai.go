// Package openai provides a summarizer backed by the OpenAI chat completions
// API. Any OpenAI-compatible server works through WithBaseURL.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/carevox/carevox/pkg/provider/summary"
)

// Provider implements summary.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI summarizer.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// CheckConnection implements summary.Provider. It issues a one-token
// completion as the reachability probe.
func (p *Provider) CheckConnection(ctx context.Context) error {
	params := oai.ChatCompletionNewParams{
		Model:               shared.ChatModel(p.model),
		Messages:            []oai.ChatCompletionMessageParamUnion{oai.UserMessage("ping")},
		MaxCompletionTokens: param.NewOpt(int64(1)),
	}
	if _, err := p.client.Chat.Completions.New(ctx, params); err != nil {
		return fmt.Errorf("openai: check connection: %w: %v", transportErr(ctx, err), err)
	}
	return nil
}

// Summarize implements summary.Provider. The rendered template travels as a
// single system message with temperature zero.
func (p *Provider) Summarize(ctx context.Context, transcript, mode string) (json.RawMessage, error) {
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(summary.BuildPrompt(mode, transcript)),
		},
		Temperature: param.NewOpt(0.0),
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w: %v", transportErr(ctx, err), err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response: %w", summary.ErrBadResponse)
	}

	obj, err := summary.ExtractJSON(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	return obj, nil
}

// transportErr maps a backend call failure onto the summary sentinel that
// callers branch on.
func transportErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return summary.ErrTimeout
	}
	return summary.ErrConnection
}

// Ensure Provider implements summary.Provider at compile time.
var _ summary.Provider = (*Provider)(nil)
