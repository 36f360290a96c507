// Package provider defines the interface for LLM provider adapters.
// Each adapter translates between the canonical chat shapes and one
// provider's wire schema, in both directions, so the gateway can accept
// a request in any supported dialect and answer in the same dialect.
package provider

import (
	"context"
	"net/http"

	"github.com/blueberrycongee/memgate/pkg/types"
)

// Provider is the adapter contract. Encode and decode must round-trip:
// DecodeRequest(EncodeRequest-equivalent payload) reproduces the
// message sequence and role assignments exactly, even when the wire
// shape differs (e.g. a top-level system field).
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string

	// Detect reports whether a raw payload is shaped like this
	// provider's request schema. Used only when the caller did not name
	// a provider explicitly. Must be deterministic and side-effect-free.
	Detect(raw []byte) bool

	// DecodeRequest parses a provider-shaped request into the canonical form.
	DecodeRequest(raw []byte) (*types.ChatRequest, error)

	// BuildRequest transforms a canonical request into a provider-specific
	// HTTP request. Unknown generation parameters are dropped silently.
	BuildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error)

	// ParseResponse transforms a provider response into the canonical form.
	ParseResponse(resp *http.Response) (*types.ChatResponse, error)

	// EncodeResponse renders a canonical response in this provider's
	// response schema, for answering callers in the shape they spoke.
	EncodeResponse(resp *types.ChatResponse) ([]byte, error)

	// ParseStreamChunk parses a single SSE line from a streaming
	// response. Returns nil, nil for keep-alive or non-content events.
	ParseStreamChunk(data []byte) (*types.StreamChunk, error)

	// EncodeStreamChunk renders a canonical stream delta as SSE event
	// lines in this provider's streaming schema.
	EncodeStreamChunk(chunk *types.StreamChunk) ([]byte, error)

	// MapError converts a provider error response into a GatewayError
	// with a normalized reason. The raw body is never leaked.
	MapError(statusCode int, body []byte) error
}

// Config contains provider-specific configuration.
type Config struct {
	APIKey  string
	BaseURL string
}
