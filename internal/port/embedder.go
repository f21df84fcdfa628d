package port

import (
	"context"

	"catrec/internal/domain"
)

// EmbeddingProvider is a raw connection to an external embedding service.
// Errors should be *domain.Error values coded PROVIDER_UNAVAILABLE,
// PROVIDER_REJECTED or RATE_LIMITED; anything else is treated as unavailable.
type EmbeddingProvider interface {
	// EmbedTexts returns one vector per input text, in input order.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)

	// ModelName returns the name of the embedding model.
	ModelName() string

	// Dimension returns the configured vector size (0 if unknown until first call).
	Dimension() int
}

// Embedder turns text into normalized vectors with retry, batching and caching.
type Embedder interface {
	// Embed generates the vector of a single text.
	Embed(ctx context.Context, text string) (domain.Vector, error)

	// EmbedBatch embeds texts preserving input order. Per-item failures are
	// reported in the results; the error return is reserved for fatal
	// conditions such as a dimension mismatch or cancellation.
	EmbedBatch(ctx context.Context, texts []string) ([]EmbedResult, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int

	// ModelName returns the name of the embedding model.
	ModelName() string
}

// EmbedResult is the outcome for one input of EmbedBatch.
type EmbedResult struct {
	Vector domain.Vector
	Err    error
}

// VectorCache persists embeddings keyed by content hash.
type VectorCache interface {
	GetVector(ctx context.Context, key string) (domain.Vector, bool, error)
	PutVectors(ctx context.Context, vectors map[string]domain.Vector) error
}
