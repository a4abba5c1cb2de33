package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/carevox/carevox/pkg/provider/summary"
	"github.com/carevox/carevox/pkg/provider/summary/openai"
)

// chatRequest captures the fields of a chat completion request this package
// cares about.
type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Temperature *float64 `json:"temperature"`
}

// newChatServer starts a test HTTP server that answers chat completion
// requests with the given assistant reply and records the last request into
// got.
func newChatServer(t *testing.T, reply string, got *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path: %q", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(got); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-test",
			"object": "chat.completion",
			"model":  got.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": reply},
			}},
			"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		})
	}))
}

// TestNew_MissingAPIKey ensures the constructor rejects an empty API key.
func TestNew_MissingAPIKey(t *testing.T) {
	_, err := openai.New("", "gpt-4o-mini")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// TestNew_MissingModel ensures the constructor rejects an empty model.
func TestNew_MissingModel(t *testing.T) {
	_, err := openai.New("sk-test", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_Options checks that optional settings are accepted without error.
func TestNew_Options(t *testing.T) {
	_, err := openai.New("sk-test", "gpt-4o-mini",
		openai.WithBaseURL("https://custom.example.com"),
		openai.WithOrganization("org-123"),
		openai.WithTimeout(5*time.Second),
	)
	if err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
}

// TestSummarize_SendsPromptAndParsesReply checks the full round trip: the
// rendered template goes out as a system message and the fenced JSON reply
// comes back as a bare object.
func TestSummarize_SendsPromptAndParsesReply(t *testing.T) {
	var got chatRequest
	srv := newChatServer(t, "```json\n{\"main_complaint\": \"기침\", \"diagnosis\": \"감기\", \"recommendation\": \"휴식\"}\n```", &got)
	defer srv.Close()

	p, err := openai.New("sk-test", "gpt-4o-mini", openai.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	transcript := "기침이 나고 목이 아파요."
	obj, err := p.Summarize(context.Background(), transcript, summary.ModeMedical)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	var parsed map[string]string
	if err := json.Unmarshal(obj, &parsed); err != nil {
		t.Fatalf("result is not a JSON object: %v", err)
	}
	if parsed["main_complaint"] != "기침" {
		t.Errorf("main_complaint: got %q", parsed["main_complaint"])
	}

	if got.Model != "gpt-4o-mini" {
		t.Errorf("request model: got %q", got.Model)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != "system" {
		t.Errorf("message role: got %q, want system", got.Messages[0].Role)
	}
	if !strings.Contains(got.Messages[0].Content, transcript) {
		t.Error("prompt does not embed the transcript")
	}
	if !strings.Contains(got.Messages[0].Content, "main_complaint") {
		t.Error("prompt does not carry the medical template")
	}
	if got.Temperature == nil || *got.Temperature != 0 {
		t.Errorf("temperature: got %v, want 0", got.Temperature)
	}
}

// TestSummarize_ProseWrappedReply checks that prose around the object is discarded.
func TestSummarize_ProseWrappedReply(t *testing.T) {
	var got chatRequest
	srv := newChatServer(t, "요약 결과입니다.\n{\"summary\": \"복통 상담\"}\n추가 문의 주세요.", &got)
	defer srv.Close()

	p, err := openai.New("sk-test", "gpt-4o-mini", openai.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	obj, err := p.Summarize(context.Background(), "배가 아파요", summary.ModeSimple)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if string(obj) != `{"summary": "복통 상담"}` {
		t.Errorf("unexpected object: %s", obj)
	}
}

// TestSummarize_NonJSONReply checks that replies without an object report ErrBadResponse.
func TestSummarize_NonJSONReply(t *testing.T) {
	var got chatRequest
	srv := newChatServer(t, "죄송합니다, 요약을 생성할 수 없습니다.", &got)
	defer srv.Close()

	p, err := openai.New("sk-test", "gpt-4o-mini", openai.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Summarize(context.Background(), "텍스트", summary.ModeSimple)
	if !errors.Is(err, summary.ErrBadResponse) {
		t.Fatalf("expected ErrBadResponse, got %v", err)
	}
}

// TestSummarize_ServerRejectsRequest checks that an API error reports ErrConnection.
// 400 responses are not retried by the SDK, keeping the test fast.
func TestSummarize_ServerRejectsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": {"message": "model not loaded"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	p, err := openai.New("sk-test", "gpt-4o-mini", openai.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Summarize(context.Background(), "텍스트", summary.ModeSimple)
	if !errors.Is(err, summary.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

// TestSummarize_Timeout checks that a stalled backend reports ErrTimeout once
// the context deadline passes.
func TestSummarize_Timeout(t *testing.T) {
	// stopCh unblocks the handler so srv.Close() does not hang on shutdown.
	stopCh := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-stopCh:
		}
	}))
	defer srv.Close()
	defer close(stopCh)

	p, err := openai.New("sk-test", "gpt-4o-mini", openai.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = p.Summarize(ctx, "텍스트", summary.ModeSimple)
	if !errors.Is(err, summary.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

// TestCheckConnection_OK checks that a reachable backend passes the probe.
func TestCheckConnection_OK(t *testing.T) {
	var got chatRequest
	srv := newChatServer(t, "pong", &got)
	defer srv.Close()

	p, err := openai.New("sk-test", "gpt-4o-mini", openai.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.CheckConnection(context.Background()); err != nil {
		t.Fatalf("CheckConnection: %v", err)
	}
	if len(got.Messages) == 0 {
		t.Fatal("probe sent no messages")
	}
}

// TestCheckConnection_Unreachable checks that a dead backend reports ErrConnection.
func TestCheckConnection_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // Shut down immediately; only the address is wanted.

	p, err := openai.New("sk-test", "gpt-4o-mini", openai.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = p.CheckConnection(context.Background())
	if !errors.Is(err, summary.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}
