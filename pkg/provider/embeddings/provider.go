// Package embeddings defines the Provider interface for text-embedding
// backends. The persona memory store uses these vectors to rank stored
// items by semantic similarity to the current conversation.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// Every vector returned by one Provider instance has the same length
// (Dimensions). Vectors from different instances must not be mixed in a
// similarity computation unless both use the same model.
type Provider interface {
	// Embed computes the vector for a single text. The returned slice has
	// length Dimensions(). Text passes through verbatim; any model-specific
	// prefixing is the caller's job.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for texts in one backend call. The result
	// is index-aligned with texts. On any failure the whole result is nil;
	// partial results are never returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length for this provider, fixed
	// for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the backend model identifier, e.g.
	// "text-embedding-3-small". Used for logging and schema sizing.
	ModelID() string
}
