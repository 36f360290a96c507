// Package embedding provides interfaces and implementations for
// generating text embeddings used by the memory engine.
package embedding

import "context"

// Embedder defines the interface for generating text embeddings.
type Embedder interface {
	// Embed generates an embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in one request.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the name of the embedding model being used.
	Model() string

	// Dimension returns the dimension of the embedding vectors.
	Dimension() int
}
