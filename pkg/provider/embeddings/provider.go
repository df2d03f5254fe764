// Package embeddings defines the Provider interface for vector embedding
// backends. The retrieval index uses it to embed document chunks at startup and
// queries at search time.
package embeddings

import "context"

// Provider maps text to dense float32 vectors.
//
// All vectors returned by one Provider share the length reported by
// Dimensions. Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in one call. The i-th result corresponds to
	// texts[i]. On error no partial results are returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length.
	Dimensions() int

	// ModelID returns the provider-specific model identifier.
	ModelID() string
}
