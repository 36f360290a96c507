// Package postgres provides the durable vector store backed by
// PostgreSQL with the pgvector extension. Similarity search is
// delegated to the database's vector index and every query is scoped
// by owner at the SQL level, never filtered client-side.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/blueberrycongee/memgate/internal/memory"
	gwerrors "github.com/blueberrycongee/memgate/pkg/errors"
)

// Store implements memory.VectorStore using PostgreSQL + pgvector.
type Store struct {
	db        *sql.DB
	dimension int
}

// Config contains PostgreSQL connection settings.
type Config struct {
	DSN          string
	Dimension    int
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// NewStore connects to PostgreSQL and ensures the memory schema. An
// unreachable database returns StoreUnavailable; callers that
// explicitly configured the durable store must treat this as fatal
// rather than falling back silently.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnLifetime <= 0 {
		cfg.ConnLifetime = 5 * time.Minute
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, gwerrors.NewStoreUnavailable("open database: " + err.Error())
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, gwerrors.NewStoreUnavailable("ping database: " + err.Error())
	}

	s := &Store{db: db, dimension: cfg.Dimension}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, gwerrors.NewStoreUnavailable("ensure schema: " + err.Error())
	}

	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			content    TEXT NOT NULL,
			embedding  vector(%d),
			metadata   JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`, s.dimension),
		`CREATE INDEX IF NOT EXISTS memories_owner_idx ON memories (owner_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS memories_embedding_idx ON memories
			USING hnsw (embedding vector_cosine_ops)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(40, len(stmt))], err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Upsert inserts or replaces a record by ID.
func (s *Store) Upsert(ctx context.Context, record *memory.Record) error {
	var metadataJSON []byte
	if record.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(record.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	var embedding any
	if len(record.Embedding) > 0 {
		if len(record.Embedding) != s.dimension {
			return fmt.Errorf("embedding dimension %d, store expects %d",
				len(record.Embedding), s.dimension)
		}
		embedding = encodeVector(record.Embedding)
	}

	const query = `
		INSERT INTO memories (id, owner_id, content, embedding, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			owner_id  = EXCLUDED.owner_id,
			content   = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			metadata  = EXCLUDED.metadata`

	_, err := s.db.ExecContext(ctx, query,
		record.ID, record.OwnerID, record.Content,
		embedding, nullableBytes(metadataJSON), record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}
	return nil
}

// Query returns the top-k records for the owner by cosine similarity.
// The <=> operator is cosine distance; score = 1 - distance. Ordering
// ties break on most recent created_at, matching the in-memory store.
func (s *Store) Query(ctx context.Context, ownerID string, vector []float32, k int) ([]memory.ScoredRecord, error) {
	if k <= 0 {
		return nil, nil
	}

	const query = `
		SELECT id, owner_id, content, embedding, metadata, created_at,
		       1 - (embedding <=> $2) AS score
		FROM memories
		WHERE owner_id = $1 AND embedding IS NOT NULL
		ORDER BY embedding <=> $2 ASC, created_at DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, ownerID, encodeVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var results []memory.ScoredRecord
	for rows.Next() {
		rec, score, err := scanScoredRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, memory.ScoredRecord{Record: rec, Score: score})
	}
	return results, rows.Err()
}

// Delete removes a record. Missing IDs are a no-op.
func (s *Store) Delete(ctx context.Context, ownerID, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE owner_id = $1 AND id = $2`, ownerID, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}

// ListPendingEmbedding returns records without an embedding, oldest
// first. An empty ownerID scans all owners.
func (s *Store) ListPendingEmbedding(ctx context.Context, ownerID string, limit int) ([]*memory.Record, error) {
	if limit <= 0 {
		limit = 32
	}

	query := `
		SELECT id, owner_id, content, metadata, created_at
		FROM memories
		WHERE embedding IS NULL`
	args := []any{}
	if ownerID != "" {
		query += ` AND owner_id = $1`
		args = append(args, ownerID)
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var pending []*memory.Record
	for rows.Next() {
		var rec memory.Record
		var metadataJSON sql.NullString
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Content, &metadataJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		if metadataJSON.Valid {
			_ = json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata)
		}
		pending = append(pending, &rec)
	}
	return pending, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanScoredRecord(rows *sql.Rows) (*memory.Record, float32, error) {
	var rec memory.Record
	var embeddingStr, metadataJSON sql.NullString
	var score float64

	err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Content,
		&embeddingStr, &metadataJSON, &rec.CreatedAt, &score)
	if err != nil {
		return nil, 0, fmt.Errorf("scan memory: %w", err)
	}

	if embeddingStr.Valid {
		vec, err := decodeVector(embeddingStr.String)
		if err != nil {
			return nil, 0, err
		}
		rec.Embedding = vec
	}
	if metadataJSON.Valid {
		_ = json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata)
	}

	return &rec, float32(score), nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
