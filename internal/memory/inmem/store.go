// Package inmem provides a process-local vector store. It exists for
// environments without a durable store; contents are lost on restart.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/blueberrycongee/memgate/internal/memory"
)

// Store is a thread-safe in-memory vector store keyed by owner, then by
// record ID. Query performs a brute-force cosine scan over the owner's
// records, which is acceptable at the volumes this fallback serves.
type Store struct {
	mu     sync.RWMutex
	owners map[string]map[string]*memory.Record
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		owners: make(map[string]map[string]*memory.Record),
	}
}

// Upsert inserts or replaces a record. The record is deep-copied so
// later caller mutations cannot corrupt the store.
func (s *Store) Upsert(_ context.Context, record *memory.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.owners[record.OwnerID]
	if !ok {
		byID = make(map[string]*memory.Record)
		s.owners[record.OwnerID] = byID
	}
	byID[record.ID] = record.Clone()
	return nil
}

// Query returns the top-k records for the owner by cosine similarity,
// ties broken by most recent CreatedAt. Records without an embedding or
// with a mismatched dimension are skipped.
func (s *Store) Query(_ context.Context, ownerID string, vector []float32, k int) ([]memory.ScoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := s.owners[ownerID]
	if len(byID) == 0 || k <= 0 {
		return nil, nil
	}

	results := make([]memory.ScoredRecord, 0, len(byID))
	for _, rec := range byID {
		if len(rec.Embedding) == 0 || len(rec.Embedding) != len(vector) {
			continue
		}
		results = append(results, memory.ScoredRecord{
			Record: rec.Clone(),
			Score:  memory.CosineSimilarity(vector, rec.Embedding),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.CreatedAt.After(results[j].Record.CreatedAt)
	})

	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// Delete removes a record. Missing IDs are a no-op.
func (s *Store) Delete(_ context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if byID, ok := s.owners[ownerID]; ok {
		delete(byID, id)
		if len(byID) == 0 {
			delete(s.owners, ownerID)
		}
	}
	return nil
}

// ListPendingEmbedding returns records without an embedding. An empty
// ownerID scans all owners.
func (s *Store) ListPendingEmbedding(_ context.Context, ownerID string, limit int) ([]*memory.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*memory.Record
	collect := func(byID map[string]*memory.Record) {
		for _, rec := range byID {
			if len(rec.Embedding) == 0 {
				pending = append(pending, rec.Clone())
			}
		}
	}

	if ownerID != "" {
		collect(s.owners[ownerID])
	} else {
		for _, byID := range s.owners {
			collect(byID)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && limit < len(pending) {
		pending = pending[:limit]
	}
	return pending, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
