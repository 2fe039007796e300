// Package embed provides query and document embedders. The retrieval
// engine depends only on the Embedder interface; concrete adapters
// cover a remote OpenAI-compatible service and a deterministic local
// fallback.
package embed

import (
	"context"
	"errors"
)

// ErrEmbedderClosed is returned by operations on a closed embedder.
var ErrEmbedderClosed = errors.New("embedder is closed")

// Embedder converts text into dense vectors.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimensionality.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available reports whether the embedder can serve requests.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}
