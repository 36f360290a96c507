package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/blueberrycongee/memgate/internal/embedding"
	"github.com/blueberrycongee/memgate/internal/memory"
	"github.com/blueberrycongee/memgate/internal/memory/inmem"
	"github.com/blueberrycongee/memgate/internal/observability"
	gwerrors "github.com/blueberrycongee/memgate/pkg/errors"
)

// fakeEmbedder maps known texts to fixed vectors and fails on demand.
type fakeEmbedder struct {
	vectors map[string][]float32
	fail    bool
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, errors.New("embedding backend down")
	}
	if vec, ok := f.vectors[text]; ok {
		return vec, nil
	}
	return []float32{0, 1}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) Model() string  { return "fake" }
func (f *fakeEmbedder) Dimension() int { return 2 }

func newEngine(t *testing.T, emb embedding.Embedder) (*memory.Engine, *inmem.Store) {
	t.Helper()
	store := inmem.New()
	logger := observability.NewLogger("error", "text", testWriter{})
	return memory.NewEngine(store, emb, logger, 5), store
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestEngine_StoreAndRetrieve(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"likes go":     {1, 0},
		"likes rust":   {0.5, 0.5},
		"query coding": {1, 0},
	}}
	engine, _ := newEngine(t, emb)
	ctx := context.Background()

	if _, err := engine.Store(ctx, "u1", "likes go", nil); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if _, err := engine.Store(ctx, "u1", "likes rust", nil); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	results := engine.Retrieve(ctx, "u1", "query coding", 2, 0)
	if len(results) != 2 {
		t.Fatalf("Retrieve() = %d results, want 2", len(results))
	}
	if results[0].Record.Content != "likes go" {
		t.Errorf("top result = %q, want closest vector first", results[0].Record.Content)
	}
	if results[0].Score < results[1].Score {
		t.Errorf("scores not descending: %v, %v", results[0].Score, results[1].Score)
	}
}

func TestEngine_Retrieve_OwnerScoped(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"fact": {1, 0}, "q": {1, 0}}}
	engine, _ := newEngine(t, emb)
	ctx := context.Background()

	if _, err := engine.Store(ctx, "alice", "fact", nil); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	if got := engine.Retrieve(ctx, "bob", "q", 5, 0); len(got) != 0 {
		t.Errorf("Retrieve(bob) = %d results, want 0", len(got))
	}
	if got := engine.Retrieve(ctx, "alice", "q", 5, 0); len(got) != 1 {
		t.Errorf("Retrieve(alice) = %d results, want 1", len(got))
	}
}

func TestEngine_Retrieve_MinScore(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"close": {1, 0},
		"far":   {-1, 0},
		"q":     {1, 0},
	}}
	engine, _ := newEngine(t, emb)
	ctx := context.Background()

	_, _ = engine.Store(ctx, "u1", "close", nil)
	_, _ = engine.Store(ctx, "u1", "far", nil)

	results := engine.Retrieve(ctx, "u1", "q", 5, 0.5)
	if len(results) != 1 {
		t.Fatalf("Retrieve() = %d results, want 1 above threshold", len(results))
	}
	if results[0].Record.Content != "close" {
		t.Errorf("result = %q", results[0].Record.Content)
	}
}

func TestEngine_Store_DegradesOnEmbedFailure(t *testing.T) {
	emb := &fakeEmbedder{fail: true}
	engine, store := newEngine(t, emb)
	ctx := context.Background()

	rec, err := engine.Store(ctx, "u1", "still persisted", nil)
	if !gwerrors.IsEmbeddingUnavailable(err) {
		t.Fatalf("Store() error = %v, want EmbeddingUnavailable", err)
	}
	if rec == nil {
		t.Fatal("Store() record = nil, want persisted record")
	}
	if rec.Embedding != nil {
		t.Error("record has embedding despite embed failure")
	}

	pending, listErr := store.ListPendingEmbedding(ctx, "u1", 10)
	if listErr != nil {
		t.Fatalf("ListPendingEmbedding() error = %v", listErr)
	}
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}
}

func TestEngine_Retrieve_DegradesToEmpty(t *testing.T) {
	emb := &fakeEmbedder{fail: true}
	engine, _ := newEngine(t, emb)

	if got := engine.Retrieve(context.Background(), "u1", "q", 5, 0); got != nil {
		t.Errorf("Retrieve() = %v, want nil on embed failure", got)
	}
}

func TestEngine_NilEmbedder(t *testing.T) {
	engine, _ := newEngine(t, nil)
	ctx := context.Background()

	rec, err := engine.Store(ctx, "u1", "kept without vector", nil)
	if err != nil {
		t.Fatalf("Store() error = %v, want nil without embedder", err)
	}
	if rec.Embedding != nil {
		t.Errorf("Store() embedding = %v, want nil", rec.Embedding)
	}

	if got := engine.Retrieve(ctx, "u1", "q", 5, 0); got != nil {
		t.Errorf("Retrieve() = %v, want nil without embedder", got)
	}
}

func TestEngine_Forget_Idempotent(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{}}
	engine, _ := newEngine(t, emb)
	ctx := context.Background()

	rec, err := engine.Store(ctx, "u1", "temp", nil)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	if err := engine.Forget(ctx, "u1", rec.ID); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	// Second delete of the same ID succeeds; the outcome is the same.
	if err := engine.Forget(ctx, "u1", rec.ID); err != nil {
		t.Errorf("Forget(again) error = %v, want nil", err)
	}
	if err := engine.Forget(ctx, "u1", "never-existed"); err != nil {
		t.Errorf("Forget(missing) error = %v, want nil", err)
	}
}

func TestEngine_Backfill(t *testing.T) {
	emb := &fakeEmbedder{fail: true, vectors: map[string][]float32{
		"recoverable": {1, 0},
		"q":           {1, 0},
	}}
	engine, _ := newEngine(t, emb)
	ctx := context.Background()

	if _, err := engine.Store(ctx, "u1", "recoverable", nil); !gwerrors.IsEmbeddingUnavailable(err) {
		t.Fatalf("Store() error = %v, want degraded", err)
	}
	if got := engine.Retrieve(ctx, "u1", "q", 5, 0); len(got) != 0 {
		t.Fatalf("degraded record visible in retrieval before backfill")
	}

	emb.fail = false
	fixed, err := engine.Backfill(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("Backfill() error = %v", err)
	}
	if fixed != 1 {
		t.Errorf("Backfill() = %d, want 1", fixed)
	}

	results := engine.Retrieve(ctx, "u1", "q", 5, 0)
	if len(results) != 1 || results[0].Record.Content != "recoverable" {
		t.Errorf("Retrieve() after backfill = %+v", results)
	}
}
