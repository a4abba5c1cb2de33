// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider maps text to dense float32 vectors. The service uses
// them to index recognized speech segments: each saved segment is embedded
// best-effort into the pgvector column, and segment search embeds its query
// text the same way before running a cosine scan.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). The segments table's vector column
// is sized from it, so a deployment must keep one embedding model per
// database.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns a
	// float32 slice of length Dimensions() or an error if the request fails
	// or ctx is cancelled. Text passes through verbatim; any model-specific
	// prefix formatting is the caller's responsibility.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider. The value is determined by the underlying model and is
	// constant for the lifetime of the Provider instance.
	Dimensions() int

	// ModelID returns the provider-specific model identifier (e.g.,
	// "text-embedding-3-small"), for logging and for verifying that stored
	// vectors and query vectors come from the same model.
	ModelID() string
}
