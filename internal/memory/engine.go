package memory

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/memgate/internal/embedding"
	"github.com/blueberrycongee/memgate/internal/metrics"
	gwerrors "github.com/blueberrycongee/memgate/pkg/errors"
)

// Engine orchestrates the embedder and the vector store. Retrieval is
// resilient: every failure mode degrades to "no memories found" rather
// than propagating, because a memory subsystem that can fail a chat
// request defeats its purpose.
type Engine struct {
	store       VectorStore
	embedder    embedding.Embedder
	logger      *slog.Logger
	defaultTopK int
}

// NewEngine creates a memory engine. The embedder may be nil, in which
// case Store persists records without embeddings and Retrieve returns
// empty results.
func NewEngine(store VectorStore, embedder embedding.Embedder, logger *slog.Logger, defaultTopK int) *Engine {
	if defaultTopK <= 0 {
		defaultTopK = 5
	}
	return &Engine{
		store:       store,
		embedder:    embedder,
		logger:      logger,
		defaultTopK: defaultTopK,
	}
}

// Store persists a new memory for the owner. When embedding fails the
// record is still persisted with a nil embedding — excluded from
// similarity queries until a backfill fills it in — and the record is
// returned alongside an EmbeddingUnavailable error the caller may log
// and otherwise ignore.
func (e *Engine) Store(ctx context.Context, ownerID, content string, metadata map[string]any) (*Record, error) {
	record := &Record{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	var embedErr error
	if e.embedder != nil {
		vec, err := e.embedder.Embed(ctx, content)
		if err != nil {
			embedErr = err
			e.logger.Warn("embedding failed, storing without vector",
				"owner_id", ownerID, "error", err)
		} else {
			record.Embedding = vec
		}
	}

	if err := e.store.Upsert(ctx, record); err != nil {
		metrics.RecordMemoryOp("store", "error")
		return nil, err
	}

	if embedErr != nil {
		metrics.RecordMemoryOp("store", "degraded")
		return record, gwerrors.NewEmbeddingUnavailable(embedErr.Error())
	}
	metrics.RecordMemoryOp("store", "ok")
	return record, nil
}

// Retrieve returns up to k memories for the owner ranked by descending
// similarity to the query, dropping results below minScore. It returns
// an empty slice — never an error — when the owner has no memories or
// no embedding model is reachable.
func (e *Engine) Retrieve(ctx context.Context, ownerID, query string, k int, minScore float64) []ScoredRecord {
	if e.embedder == nil {
		return nil
	}
	if k <= 0 {
		k = e.defaultTopK
	}

	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		metrics.RecordMemoryOp("retrieve", "degraded")
		e.logger.Warn("query embedding failed, returning no memories",
			"owner_id", ownerID, "error", err)
		return nil
	}

	results, err := e.store.Query(ctx, ownerID, vec, k)
	if err != nil {
		metrics.RecordMemoryOp("retrieve", "degraded")
		e.logger.Warn("vector store query failed, returning no memories",
			"owner_id", ownerID, "error", err)
		return nil
	}

	if minScore > 0 {
		filtered := results[:0]
		for _, r := range results {
			if float64(r.Score) >= minScore {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	metrics.RecordMemoryOp("retrieve", "ok")
	metrics.MemoryRetrievedRecords.WithLabelValues("active").Observe(float64(len(results)))
	return results
}

// Forget deletes one memory. Idempotent: a missing ID is a no-op.
func (e *Engine) Forget(ctx context.Context, ownerID, id string) error {
	if err := e.store.Delete(ctx, ownerID, id); err != nil {
		metrics.RecordMemoryOp("forget", "error")
		return err
	}
	metrics.RecordMemoryOp("forget", "ok")
	return nil
}

// Backfill embeds records that were persisted without an embedding.
// It returns the number of records fixed. Failures leave records
// pending for the next run.
func (e *Engine) Backfill(ctx context.Context, ownerID string, limit int) (int, error) {
	if e.embedder == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 32
	}

	pending, err := e.store.ListPendingEmbedding(ctx, ownerID, limit)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	// Oldest first so repeated partial runs make progress.
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	texts := make([]string, len(pending))
	for i, rec := range pending {
		texts[i] = rec.Content
	}

	vectors, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		metrics.RecordMemoryOp("backfill", "degraded")
		return 0, err
	}

	fixed := 0
	for i, rec := range pending {
		if i >= len(vectors) || vectors[i] == nil {
			continue
		}
		updated := rec.Clone()
		updated.Embedding = vectors[i]
		if err := e.store.Upsert(ctx, updated); err != nil {
			e.logger.Warn("backfill upsert failed", "id", rec.ID, "error", err)
			continue
		}
		fixed++
	}

	metrics.RecordMemoryOp("backfill", "ok")
	return fixed, nil
}
