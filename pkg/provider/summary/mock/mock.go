// Package mock provides a test double for the summary.Provider interface.
//
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors; set Script or Result to feed
// controlled summaries.
package mock

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/carevox/carevox/pkg/provider/summary"
)

// SummarizeCall records a single invocation of Summarize.
type SummarizeCall struct {
	// Transcript is the text passed to Summarize.
	Transcript string
	// Mode is the template mode passed to Summarize.
	Mode string
}

// Provider is a mock implementation of summary.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// CheckConnectionErr, if non-nil, is returned by CheckConnection.
	CheckConnectionErr error

	// Script is a sequence of summaries returned by successive Summarize
	// calls. When exhausted, Result is returned instead.
	Script []json.RawMessage

	// Result is returned by Summarize once Script is exhausted. May be nil.
	Result json.RawMessage

	// SummarizeErr, if non-nil, is returned by Summarize instead of a summary.
	SummarizeErr error

	// Delay makes Summarize wait before returning. The wait happens outside
	// the mutex and honours ctx cancellation, so timeout paths are testable.
	Delay time.Duration

	// --- Call records (read after test) ---

	// CheckConnectionCallCount is the number of CheckConnection invocations.
	CheckConnectionCallCount int

	// SummarizeCalls records every invocation of Summarize in order.
	SummarizeCalls []SummarizeCall

	next int
}

// CheckConnection records the call and returns CheckConnectionErr.
func (p *Provider) CheckConnection(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CheckConnectionCallCount++
	return p.CheckConnectionErr
}

// Summarize records the call and returns the next scripted summary, Result,
// or SummarizeErr.
func (p *Provider) Summarize(ctx context.Context, transcript, mode string) (json.RawMessage, error) {
	p.mu.Lock()
	p.SummarizeCalls = append(p.SummarizeCalls, SummarizeCall{Transcript: transcript, Mode: mode})
	out := p.Result
	if p.next < len(p.Script) {
		out = p.Script[p.next]
		p.next++
	}
	delay := p.Delay
	err := p.SummarizeErr
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return append(json.RawMessage(nil), out...), nil
}

// ResetCalls clears all recorded calls and rewinds the script. Thread-safe.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CheckConnectionCallCount = 0
	p.SummarizeCalls = nil
	p.next = 0
}

// Ensure Provider implements summary.Provider at compile time.
var _ summary.Provider = (*Provider)(nil)
