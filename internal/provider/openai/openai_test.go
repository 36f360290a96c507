package openai

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/memgate/internal/provider"
	gwerrors "github.com/blueberrycongee/memgate/pkg/errors"
	"github.com/blueberrycongee/memgate/pkg/types"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(provider.Config{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestProvider_Detect(t *testing.T) {
	p := newTestProvider(t)

	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"plain openai", `{"model": "gpt-4o", "messages": [{"role": "user", "content": "hi"}]}`, true},
		{"no messages", `{"model": "gpt-4o"}`, false},
		{"top-level system declines", `{"model": "gpt-4o", "system": "x", "messages": [{"role": "user", "content": "hi"}]}`, false},
		{"claude model declines", `{"model": "claude-3-opus", "messages": [{"role": "user", "content": "hi"}]}`, false},
		{"invalid json", `{`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Detect([]byte(tt.raw)); got != tt.want {
				t.Errorf("Detect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProvider_BuildRequest_StripsMemory(t *testing.T) {
	p := newTestProvider(t)

	req := &types.ChatRequest{
		Model:    "gpt-4o",
		Messages: []types.ChatMessage{types.TextMessage(types.RoleUser, "hi")},
		Memory:   &types.MemoryOptions{OwnerID: "u1", Recall: true},
	}

	httpReq, err := p.BuildRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}

	body, _ := io.ReadAll(httpReq.Body)
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("Unmarshal(body) error = %v", err)
	}
	if _, ok := payload["memory"]; ok {
		t.Error("memory block leaked into upstream payload")
	}
	if got := httpReq.Header.Get("Authorization"); got != "Bearer test-key" {
		t.Errorf("Authorization = %q", got)
	}
	if got := httpReq.URL.String(); got != DefaultBaseURL+"/chat/completions" {
		t.Errorf("URL = %s", got)
	}
}

func TestProvider_BuildRequest_PassthroughExtra(t *testing.T) {
	p := newTestProvider(t)

	req := &types.ChatRequest{
		Model:    "gpt-4o",
		Messages: []types.ChatMessage{types.TextMessage(types.RoleUser, "hi")},
		Extra:    map[string]json.RawMessage{"seed": json.RawMessage("7")},
	}

	httpReq, err := p.BuildRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}

	body, _ := io.ReadAll(httpReq.Body)
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("Unmarshal(body) error = %v", err)
	}
	if string(payload["seed"]) != "7" {
		t.Errorf("seed = %s, want 7", payload["seed"])
	}
}

func TestProvider_EncodeResponse_DefaultObject(t *testing.T) {
	p := newTestProvider(t)

	out, err := p.EncodeResponse(&types.ChatResponse{ID: "resp-1"})
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(out, &payload); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if string(payload["object"]) != `"chat.completion"` {
		t.Errorf("object = %s", payload["object"])
	}
}

func TestProvider_ParseStreamChunk(t *testing.T) {
	p := newTestProvider(t)

	tests := []struct {
		name        string
		line        string
		wantNil     bool
		wantContent string
	}{
		{"done marker", "data: [DONE]", true, ""},
		{"empty", "", true, ""},
		{"content delta", `data: {"id":"c1","choices":[{"index":0,"delta":{"content":"hel"}}]}`, false, "hel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk, err := p.ParseStreamChunk([]byte(tt.line))
			if err != nil {
				t.Fatalf("ParseStreamChunk() error = %v", err)
			}
			if tt.wantNil {
				if chunk != nil {
					t.Fatalf("chunk = %+v, want nil", chunk)
				}
				return
			}
			if chunk == nil {
				t.Fatal("chunk = nil")
			}
			if got := chunk.Choices[0].Delta.Content; got != tt.wantContent {
				t.Errorf("content = %q, want %q", got, tt.wantContent)
			}
		})
	}
}

func TestProvider_MapError(t *testing.T) {
	p := newTestProvider(t)

	tests := []struct {
		status     int
		wantReason string
	}{
		{http.StatusTooManyRequests, gwerrors.ReasonRateLimited},
		{http.StatusBadRequest, gwerrors.ReasonInvalidRequest},
		{http.StatusGatewayTimeout, gwerrors.ReasonTimeout},
		{http.StatusInternalServerError, gwerrors.ReasonServerError},
	}

	for _, tt := range tests {
		err := p.MapError(tt.status, []byte(`{"error":{"message":"nope"}}`))
		ge := gwerrors.AsGatewayError(err)
		if ge.Reason != tt.wantReason {
			t.Errorf("MapError(%d) reason = %s, want %s", tt.status, ge.Reason, tt.wantReason)
		}
		if ge.Provider != ProviderName {
			t.Errorf("MapError(%d) provider = %s", tt.status, ge.Provider)
		}
		if ge.Message != "nope" {
			t.Errorf("MapError(%d) message = %q, want upstream message preserved", tt.status, ge.Message)
		}
	}
}
