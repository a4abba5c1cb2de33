package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/carevox/carevox/pkg/provider/embeddings"
	"github.com/carevox/carevox/pkg/provider/stt"
	"github.com/carevox/carevox/pkg/provider/summary"
	"github.com/carevox/carevox/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	stt        map[string]func(STTConfig) (stt.Recognizer, error)
	vad        map[string]func(VADConfig) (vad.Engine, error)
	summary    map[string]func(SummaryConfig) (summary.Provider, error)
	embeddings map[string]func(EmbeddingsConfig) (embeddings.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:        make(map[string]func(STTConfig) (stt.Recognizer, error)),
		vad:        make(map[string]func(VADConfig) (vad.Engine, error)),
		summary:    make(map[string]func(SummaryConfig) (summary.Provider, error)),
		embeddings: make(map[string]func(EmbeddingsConfig) (embeddings.Provider, error)),
	}
}

// RegisterSTT registers a recognizer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(STTConfig) (stt.Recognizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterSummary registers a summarizer factory under name.
func (r *Registry) RegisterSummary(name string, factory func(SummaryConfig) (summary.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(EmbeddingsConfig) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateSTT instantiates a recognizer using the factory registered under
// cfg.Provider. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateSTT(cfg STTConfig) (stt.Recognizer, error) {
	r.mu.RLock()
	factory, ok := r.stt[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateVAD instantiates a VAD engine using the factory registered under cfg.Engine.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, cfg.Engine)
	}
	return factory(cfg)
}

// CreateSummary instantiates a summarizer using the factory registered under
// cfg.Provider.
func (r *Registry) CreateSummary(cfg SummaryConfig) (summary.Provider, error) {
	r.mu.RLock()
	factory, ok := r.summary[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: summary/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateSummaryFallback instantiates the configured fallback summarizer by
// reusing the summary factory registered under fb.Provider.
func (r *Registry) CreateSummaryFallback(fb SummaryFallbackConfig, base SummaryConfig) (summary.Provider, error) {
	cfg := base
	cfg.Provider = fb.Provider
	cfg.APIKey = fb.APIKey
	cfg.Model = fb.Model
	cfg.BaseURL = fb.BaseURL
	cfg.Fallback = nil
	return r.CreateSummary(cfg)
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under cfg.Provider.
func (r *Registry) CreateEmbeddings(cfg EmbeddingsConfig) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}
