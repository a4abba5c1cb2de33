package resilience

import (
	"context"
	"encoding/json"

	"github.com/carevox/carevox/pkg/provider/summary"
)

// SummaryFallback implements [summary.Provider] with automatic failover across
// multiple summarization backends. Each backend has its own circuit breaker;
// when the primary fails or its breaker is open, the next healthy fallback is
// tried.
type SummaryFallback struct {
	group *FallbackGroup[summary.Provider]
}

// Compile-time interface assertion.
var _ summary.Provider = (*SummaryFallback)(nil)

// NewSummaryFallback creates a [SummaryFallback] with primary as the preferred
// backend.
func NewSummaryFallback(primary summary.Provider, primaryName string, cfg FallbackConfig) *SummaryFallback {
	return &SummaryFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional summarization provider as a fallback.
func (f *SummaryFallback) AddFallback(name string, provider summary.Provider) {
	f.group.AddFallback(name, provider)
}

// CheckConnection reports healthy when any backend in the group is reachable.
// Probe results feed the same breakers as real calls, so a backend that fails
// its probes stays skipped until its reset timeout elapses.
func (f *SummaryFallback) CheckConnection(ctx context.Context) error {
	return f.group.Execute(func(p summary.Provider) error {
		return p.CheckConnection(ctx)
	})
}

// Summarize sends the transcript to the first healthy provider and returns its
// structured summary. If the primary fails, subsequent fallbacks are tried.
func (f *SummaryFallback) Summarize(ctx context.Context, transcript, mode string) (json.RawMessage, error) {
	return ExecuteWithResult(f.group, func(p summary.Provider) (json.RawMessage, error) {
		return p.Summarize(ctx, transcript, mode)
	})
}
