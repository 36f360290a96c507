package memory

import "time"

// Record represents a single unit of long-term memory. Embedding stays
// nil until the embedding call succeeds; records without an embedding
// are persisted but excluded from similarity queries until backfilled.
// Once set, an embedding is never mutated in place — updates replace
// the whole record.
type Record struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Content   string         `json:"content"`
	Embedding []float32      `json:"embedding,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	if r.Embedding != nil {
		out.Embedding = make([]float32, len(r.Embedding))
		copy(out.Embedding, r.Embedding)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// ScoredRecord pairs a record with its similarity score against a query.
type ScoredRecord struct {
	Record *Record `json:"record"`
	Score  float32 `json:"score"`
}
