// Package mock provides a test double for the embeddings.Provider interface.
//
// Use Provider to return pre-canned embedding vectors without a live model
// and to verify that the correct texts are submitted for embedding.
//
// Example:
//
//	p := &mock.Provider{
//	    EmbedResult:     []float32{0.1, 0.2, 0.3},
//	    DimensionsValue: 3,
//	    ModelIDValue:    "test-embed-v1",
//	}
//	vec, _ := p.Embed(ctx, "hello world")
package mock

import (
	"context"
	"sync"

	"github.com/carevox/carevox/pkg/provider/embeddings"
)

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	// Ctx is the context passed to Embed.
	Ctx context.Context
	// Text is the string passed to Embed.
	Text string
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// EmbedResult is returned by Embed. If nil, a zero-length slice is returned.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned as the error from Embed.
	EmbedErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// --- Call records ---

	// EmbedCalls records every call to Embed in order.
	EmbedCalls []EmbedCall

	// DimensionsCallCount is the number of times Dimensions was called.
	DimensionsCallCount int

	// ModelIDCallCount is the number of times ModelID was called.
	ModelIDCallCount int
}

// Embed records the call and returns EmbedResult, EmbedErr.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	return p.EmbedResult, p.EmbedErr
}

// Dimensions records the call and returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DimensionsCallCount++
	return p.DimensionsValue
}

// ModelID records the call and returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ModelIDCallCount++
	return p.ModelIDValue
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
	p.DimensionsCallCount = 0
	p.ModelIDCallCount = 0
}

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)
