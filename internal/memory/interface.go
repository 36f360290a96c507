// Package memory implements long-term semantic memory: an engine that
// turns free text into stored vectors and serves owner-scoped
// nearest-neighbor retrieval over them.
package memory

import (
	"context"
	"math"
)

// VectorStore is the contract shared by the in-process store and the
// durable Postgres store. Scores are cosine similarity in [-1, 1];
// query results are ordered by descending score, ties broken by most
// recent CreatedAt. Every operation is scoped to one owner.
type VectorStore interface {
	// Upsert inserts or replaces a record by ID.
	Upsert(ctx context.Context, record *Record) error

	// Query returns the k most similar records for the owner. Records
	// without an embedding never match.
	Query(ctx context.Context, ownerID string, vector []float32, k int) ([]ScoredRecord, error)

	// Delete removes a record. Idempotent: deleting a missing ID is a no-op.
	Delete(ctx context.Context, ownerID, id string) error

	// ListPendingEmbedding returns records persisted without an
	// embedding, oldest first, for backfill.
	ListPendingEmbedding(ctx context.Context, ownerID string, limit int) ([]*Record, error)

	// Close releases store resources.
	Close() error
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float32
	for i := 0; i < len(a); i++ {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (sqrt(normA) * sqrt(normB))
}

func sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}
