package anyllm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/carevox/carevox/pkg/provider/summary"
)

// ── Constructor ───────────────────────────────────────────────────────────────

// TestNew_EmptyProviderName checks that an empty provider name returns an error.
func TestNew_EmptyProviderName(t *testing.T) {
	_, err := New("", "llama3")
	if err == nil {
		t.Fatal("expected error for empty providerName")
	}
}

// TestNew_EmptyModel checks that an empty model name returns an error.
func TestNew_EmptyModel(t *testing.T) {
	_, err := New("ollama", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_UnsupportedProvider checks that an unsupported provider returns an error.
func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

// TestNew_OpenAI_WithAPIKey checks that the OpenAI backend constructs with a key.
func TestNew_OpenAI_WithAPIKey(t *testing.T) {
	p, err := New("openai", "gpt-4o-mini", anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
	if p.model != "gpt-4o-mini" {
		t.Errorf("expected model gpt-4o-mini, got %q", p.model)
	}
}

// TestNew_OpenAI_MissingAPIKey checks that OpenAI errors when no API key is available.
// This relies on OPENAI_API_KEY not being set in the test environment.
func TestNew_OpenAI_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "") // Ensure env var is clear.
	_, err := New("openai", "gpt-4o-mini")
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
}

// TestNew_Ollama_NoAPIKey checks that Ollama works without an API key.
func TestNew_Ollama_NoAPIKey(t *testing.T) {
	p, err := NewOllama("llama3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

// TestConvenienceConstructors checks that the per-backend constructors delegate correctly.
func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (*Provider, error)
	}{
		{"NewOpenAI", func() (*Provider, error) { return NewOpenAI("gpt-4o-mini", anyllmlib.WithAPIKey("sk-test")) }},
		{"NewAnthropic", func() (*Provider, error) {
			return NewAnthropic("claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-test"))
		}},
		{"NewOllama", func() (*Provider, error) { return NewOllama("llama3") }},
		{"NewLlamaCpp", func() (*Provider, error) { return NewLlamaCpp("llama3") }},
		{"NewLlamaFile", func() (*Provider, error) { return NewLlamaFile("llama3") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.fn()
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tt.name, err)
			}
			if p == nil {
				t.Fatalf("%s: expected non-nil provider", tt.name)
			}
		})
	}
}

// ── transportErr ──────────────────────────────────────────────────────────────

// TestTransportErr_DeadlineMapsToTimeout checks that deadline expiry reports ErrTimeout.
func TestTransportErr_DeadlineMapsToTimeout(t *testing.T) {
	got := transportErr(context.Background(), context.DeadlineExceeded)
	if !errors.Is(got, summary.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", got)
	}
}

// TestTransportErr_ExpiredContextMapsToTimeout checks that an already-expired
// context reports ErrTimeout even when the backend error hides the cause.
func TestTransportErr_ExpiredContextMapsToTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	got := transportErr(ctx, fmt.Errorf("backend gave up"))
	if !errors.Is(got, summary.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", got)
	}
}

// TestTransportErr_OtherMapsToConnection checks that other failures report ErrConnection.
func TestTransportErr_OtherMapsToConnection(t *testing.T) {
	got := transportErr(context.Background(), fmt.Errorf("connection refused"))
	if !errors.Is(got, summary.ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", got)
	}
}
