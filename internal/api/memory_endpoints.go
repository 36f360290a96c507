package api

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/memgate/internal/memory"
	gwerrors "github.com/blueberrycongee/memgate/pkg/errors"
)

type createMemoryRequest struct {
	OwnerID  string         `json:"owner_id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type memoryResponse struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
	Embedded  bool           `json:"embedded"`
	Score     *float32       `json:"score,omitempty"`
}

func toMemoryResponse(rec *memory.Record, score *float32) memoryResponse {
	return memoryResponse{
		ID:        rec.ID,
		OwnerID:   rec.OwnerID,
		Content:   rec.Content,
		Metadata:  rec.Metadata,
		CreatedAt: rec.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		Embedded:  rec.Embedding != nil,
		Score:     score,
	}
}

// CreateMemory handles POST /v1/memories. A record whose embedding
// could not be produced is still persisted and reported as not yet
// embedded; the backfill job picks it up later.
func (h *Handler) CreateMemory(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		h.writeError(w, r, nil, gwerrors.NewStoreUnavailable("memory is not configured"))
		return
	}

	var req createMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, nil, gwerrors.NewInvalidRequest("invalid JSON: "+err.Error()))
		return
	}
	if req.OwnerID == "" {
		h.writeError(w, r, nil, gwerrors.NewInvalidRequest("owner_id is required"))
		return
	}
	if req.Content == "" {
		h.writeError(w, r, nil, gwerrors.NewInvalidRequest("content is required"))
		return
	}

	rec, err := h.engine.Store(r.Context(), req.OwnerID, req.Content, req.Metadata)
	if err != nil && !gwerrors.IsEmbeddingUnavailable(err) {
		h.writeError(w, r, nil, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(toMemoryResponse(rec, nil))
}

// SearchMemories handles GET /v1/memories/search. Query params:
// owner_id (required), q (required), k, min_score.
func (h *Handler) SearchMemories(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		h.writeError(w, r, nil, gwerrors.NewStoreUnavailable("memory is not configured"))
		return
	}

	q := r.URL.Query()
	ownerID := q.Get("owner_id")
	query := q.Get("q")
	if ownerID == "" {
		h.writeError(w, r, nil, gwerrors.NewInvalidRequest("owner_id is required"))
		return
	}
	if query == "" {
		h.writeError(w, r, nil, gwerrors.NewInvalidRequest("q is required"))
		return
	}

	k := 0
	if raw := q.Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, r, nil, gwerrors.NewInvalidRequest("k must be a positive integer"))
			return
		}
		k = n
	}

	minScore := 0.0
	if raw := q.Get("min_score"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			h.writeError(w, r, nil, gwerrors.NewInvalidRequest("min_score must be a number"))
			return
		}
		minScore = f
	}

	results := h.engine.Retrieve(r.Context(), ownerID, query, k, minScore)

	out := make([]memoryResponse, 0, len(results))
	for _, res := range results {
		score := res.Score
		out = append(out, toMemoryResponse(res.Record, &score))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"memories": out})
}

// DeleteMemory handles DELETE /v1/memories/{owner}/{id}. Deleting a
// record that does not exist succeeds; the outcome is the same.
func (h *Handler) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		h.writeError(w, r, nil, gwerrors.NewStoreUnavailable("memory is not configured"))
		return
	}

	ownerID := r.PathValue("owner")
	id := r.PathValue("id")
	if ownerID == "" || id == "" {
		h.writeError(w, r, nil, gwerrors.NewInvalidRequest("owner and id are required"))
		return
	}

	if err := h.engine.Forget(r.Context(), ownerID, id); err != nil {
		h.writeError(w, r, nil, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
