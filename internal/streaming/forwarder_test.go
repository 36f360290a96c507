package streaming

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/blueberrycongee/memgate/internal/provider"
	"github.com/blueberrycongee/memgate/internal/provider/anthropic"
	"github.com/blueberrycongee/memgate/internal/provider/openai"
	"github.com/blueberrycongee/memgate/pkg/types"
)

func newAdapters(t *testing.T) (oai, ant provider.Provider) {
	t.Helper()
	var err error
	oai, err = openai.New(provider.Config{APIKey: "k"})
	if err != nil {
		t.Fatalf("openai.New() error = %v", err)
	}
	ant, err = anthropic.New(provider.Config{APIKey: "k"})
	if err != nil {
		t.Fatalf("anthropic.New() error = %v", err)
	}
	return oai, ant
}

const openaiStream = `data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant"}}]}

data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"hel"}}]}

data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"}}]}

data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}

data: [DONE]

`

func TestForwarder_OpenAIPassthrough(t *testing.T) {
	oai, _ := newAdapters(t)
	rec := httptest.NewRecorder()

	fwd, err := NewForwarder(context.Background(),
		io.NopCloser(strings.NewReader(openaiStream)), rec, oai, oai)
	if err != nil {
		t.Fatalf("NewForwarder() error = %v", err)
	}
	if err := fwd.Forward(); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"content":"hel"`) || !strings.Contains(body, `"content":"lo"`) {
		t.Errorf("content deltas missing: %s", body)
	}
	if !strings.Contains(body, `"finish_reason":"stop"`) {
		t.Errorf("finish chunk missing: %s", body)
	}
	if strings.Count(body, "data: [DONE]") != 1 {
		t.Errorf("want exactly one [DONE] marker: %s", body)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %s", got)
	}
}

func TestForwarder_OpenAIToAnthropic(t *testing.T) {
	oai, ant := newAdapters(t)
	rec := httptest.NewRecorder()

	fwd, err := NewForwarder(context.Background(),
		io.NopCloser(strings.NewReader(openaiStream)), rec, oai, ant)
	if err != nil {
		t.Fatalf("NewForwarder() error = %v", err)
	}
	if err := fwd.Forward(); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	body := rec.Body.String()
	for _, event := range []string{"message_start", "content_block_delta", "message_delta", "message_stop"} {
		if !strings.Contains(body, "event: "+event) {
			t.Errorf("missing %s event: %s", event, body)
		}
	}
	if strings.Contains(body, "[DONE]") {
		t.Errorf("anthropic stream carries openai terminal marker: %s", body)
	}
	if !strings.Contains(body, `"end_turn"`) {
		t.Errorf("stop_reason not translated: %s", body)
	}
}

const anthropicStream = `event: message_start
data: {"type":"message_start","message":{"id":"msg_01","model":"claude-3-opus"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"}}

event: message_stop
data: {"type":"message_stop"}

`

func TestForwarder_AnthropicToOpenAI(t *testing.T) {
	oai, ant := newAdapters(t)
	rec := httptest.NewRecorder()

	fwd, err := NewForwarder(context.Background(),
		io.NopCloser(strings.NewReader(anthropicStream)), rec, ant, oai)
	if err != nil {
		t.Fatalf("NewForwarder() error = %v", err)
	}
	if err := fwd.Forward(); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"content":"hi"`) {
		t.Errorf("content delta not translated: %s", body)
	}
	if !strings.Contains(body, `"finish_reason":"stop"`) {
		t.Errorf("stop reason not translated: %s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("openai consumer missing terminal marker: %s", body)
	}
}

func TestForwarder_OnChunkAccumulates(t *testing.T) {
	oai, _ := newAdapters(t)
	rec := httptest.NewRecorder()

	fwd, err := NewForwarder(context.Background(),
		io.NopCloser(strings.NewReader(openaiStream)), rec, oai, oai)
	if err != nil {
		t.Fatalf("NewForwarder() error = %v", err)
	}

	var collected string
	fwd.OnChunk(func(chunk *types.StreamChunk) {
		for _, c := range chunk.Choices {
			collected += c.Delta.Content
		}
	})

	if err := fwd.Forward(); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if collected != "hello" {
		t.Errorf("collected = %q, want %q", collected, "hello")
	}
}

func TestForwarder_CancelledContext(t *testing.T) {
	oai, _ := newAdapters(t)
	rec := httptest.NewRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fwd, err := NewForwarder(ctx,
		io.NopCloser(strings.NewReader(openaiStream)), rec, oai, oai)
	if err != nil {
		t.Fatalf("NewForwarder() error = %v", err)
	}
	if err := fwd.Forward(); err == nil {
		t.Fatal("Forward() error = nil, want context error")
	}
}
