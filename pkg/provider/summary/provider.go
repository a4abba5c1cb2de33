// Package summary defines the Provider interface for conversation
// summarization backends.
//
// A summarizer takes the full transcript of a finished conversation and
// returns a structured JSON object describing it. The object's schema is
// owned by the prompt template, not by this package: pipelines store the
// result opaquely and clients interpret it. Templates are selected per job
// through the mode tag (see BuildPrompt); providers render the template,
// call the model, and extract the JSON object from whatever decoration the
// model wraps around it.
//
// Implementations must be safe for concurrent use.
package summary

import (
	"context"
	"encoding/json"
)

// Provider is the abstraction over any summarization backend.
type Provider interface {
	// CheckConnection verifies the backend is reachable. It runs once at
	// startup and again from the readiness probe. A failure does not stop
	// the service: summarization failures leave jobs at TRANSCRIBED rather
	// than failing them.
	CheckConnection(ctx context.Context) error

	// Summarize renders the prompt template selected by mode over the
	// transcript and returns the structured summary as a raw JSON object.
	//
	// The returned message is always a syntactically valid JSON object.
	// Errors wrap ErrConnection, ErrTimeout, or ErrBadResponse so callers
	// can tell transport failures from unusable model output.
	Summarize(ctx context.Context, transcript, mode string) (json.RawMessage, error)
}
