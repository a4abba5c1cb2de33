// Package anyllm provides a summarizer backed by github.com/mozilla-ai/any-llm-go,
// a unified multi-provider client that supports OpenAI, Anthropic, Gemini,
// Ollama, DeepSeek, Mistral, Groq, and local OpenAI-compatible servers such as
// LM Studio (via the "openai" or "llamacpp" backends with a custom base URL).
//
// Usage:
//
//	p, err := anyllm.NewOllama("llama3")
//	p, err := anyllm.New("openai", "local-model",
//	    anyllmlib.WithAPIKey("lm-studio"), anyllmlib.WithBaseURL("http://127.0.0.1:1234/v1"))
package anyllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/carevox/carevox/pkg/provider/summary"
)

// Provider implements summary.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a new Provider backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq", "llamacpp", "llamafile".
//
// model is the specific model to use (e.g., "gpt-4o-mini", "llama3").
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). If no API key option is provided, the provider falls
// back to the relevant environment variable (OPENAI_API_KEY, etc.).
func New(providerName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Provider{backend: backend, model: model}, nil
}

// NewOpenAI creates a Provider backed by OpenAI.
// Without options, it reads the OPENAI_API_KEY environment variable.
func NewOpenAI(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("openai", model, opts...)
}

// NewAnthropic creates a Provider backed by Anthropic.
// Without options, it reads the ANTHROPIC_API_KEY environment variable.
func NewAnthropic(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("anthropic", model, opts...)
}

// NewGemini creates a Provider backed by Google Gemini.
// Without options, it reads the GEMINI_API_KEY or GOOGLE_API_KEY environment variable.
func NewGemini(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("gemini", model, opts...)
}

// NewOllama creates a Provider backed by Ollama (local inference).
// Without options, it connects to http://localhost:11434.
func NewOllama(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("ollama", model, opts...)
}

// NewDeepSeek creates a Provider backed by DeepSeek.
// Without options, it reads the DEEPSEEK_API_KEY environment variable.
func NewDeepSeek(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("deepseek", model, opts...)
}

// NewMistral creates a Provider backed by Mistral AI.
// Without options, it reads the MISTRAL_API_KEY environment variable.
func NewMistral(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("mistral", model, opts...)
}

// NewGroq creates a Provider backed by Groq.
// Without options, it reads the GROQ_API_KEY environment variable.
func NewGroq(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("groq", model, opts...)
}

// NewLlamaCpp creates a Provider backed by a running llama.cpp server.
// Without options, it connects to http://127.0.0.1:8080/v1.
func NewLlamaCpp(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("llamacpp", model, opts...)
}

// NewLlamaFile creates a Provider backed by a running llamafile server.
// Without options, it connects to the default llamafile server.
func NewLlamaFile(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("llamafile", model, opts...)
}

// createBackend creates the underlying any-llm-go provider for the given provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// CheckConnection implements summary.Provider. The unified client exposes no
// health route, so a one-token completion doubles as the reachability probe.
func (p *Provider) CheckConnection(ctx context.Context) error {
	maxTokens := 1
	params := anyllmlib.CompletionParams{
		Model:     p.model,
		Messages:  []anyllmlib.Message{{Role: "user", Content: "ping"}},
		MaxTokens: &maxTokens,
	}
	if _, err := p.backend.Completion(ctx, params); err != nil {
		return fmt.Errorf("anyllm: check connection: %w: %v", transportErr(ctx, err), err)
	}
	return nil
}

// Summarize implements summary.Provider. The rendered template travels as a
// single system message and temperature is pinned to zero, so repeated runs
// over the same transcript stay comparable.
func (p *Provider) Summarize(ctx context.Context, transcript, mode string) (json.RawMessage, error) {
	temperature := 0.0
	params := anyllmlib.CompletionParams{
		Model: p.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: summary.BuildPrompt(mode, transcript)},
		},
		Temperature: &temperature,
	}

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w: %v", transportErr(ctx, err), err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response: %w", summary.ErrBadResponse)
	}

	obj, err := summary.ExtractJSON(resp.Choices[0].Message.ContentString())
	if err != nil {
		return nil, fmt.Errorf("anyllm: %w", err)
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
