// Package openai implements the OpenAI provider adapter. The canonical
// shapes are OpenAI-compatible, so translation is mostly passthrough;
// this adapter is the reference implementation for the others.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/memgate/internal/provider"
	gwerrors "github.com/blueberrycongee/memgate/pkg/errors"
	"github.com/blueberrycongee/memgate/pkg/types"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
)

// Provider implements the OpenAI API adapter.
type Provider struct {
	apiKey  string
	baseURL string
}

// New creates a new OpenAI provider instance.
func New(cfg provider.Config) (*Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Provider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return ProviderName
}

// Detect reports whether the payload looks like an OpenAI chat
// completion request: a messages array without Anthropic's top-level
// system field or claude model naming.
func (p *Provider) Detect(raw []byte) bool {
	var probe struct {
		Model    string          `json:"model"`
		Messages json.RawMessage `json:"messages"`
		System   json.RawMessage `json:"system"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	if len(probe.Messages) == 0 {
		return false
	}
	if len(probe.System) > 0 {
		return false
	}
	return !strings.HasPrefix(probe.Model, "claude-")
}

// DecodeRequest parses an OpenAI-shaped request. The canonical form is
// OpenAI-compatible, so this is a direct unmarshal with unknown-field
// capture.
func (p *Provider) DecodeRequest(raw []byte) (*types.ChatRequest, error) {
	var req types.ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, gwerrors.NewInvalidRequest("invalid JSON: " + err.Error())
	}
	return &req, nil
}

// BuildRequest creates an HTTP request for the OpenAI API. The memory
// block never leaves the gateway.
func (p *Provider) BuildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error) {
	outbound := *req
	outbound.Memory = nil

	body, err := json.Marshal(outbound)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	return httpReq, nil
}

// ParseResponse transforms an OpenAI response into the canonical format.
func (p *Provider) ParseResponse(resp *http.Response) (*types.ChatResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var chatResp types.ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &chatResp, nil
}

// EncodeResponse renders a canonical response in OpenAI shape.
func (p *Provider) EncodeResponse(resp *types.ChatResponse) ([]byte, error) {
	out := *resp
	if out.Object == "" {
		out.Object = "chat.completion"
	}
	return json.Marshal(out)
}

// ParseStreamChunk parses a single SSE line from OpenAI.
func (p *Provider) ParseStreamChunk(data []byte) (*types.StreamChunk, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil, nil
	}

	if bytes.HasPrefix(trimmed, []byte("data: ")) {
		trimmed = bytes.TrimPrefix(trimmed, []byte("data: "))
	}
	if bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil, nil
	}

	var chunk types.StreamChunk
	if err := json.Unmarshal(trimmed, &chunk); err != nil {
		return nil, fmt.Errorf("unmarshal chunk: %w", err)
	}

	return &chunk, nil
}

// EncodeStreamChunk renders a canonical delta as an OpenAI SSE event.
func (p *Provider) EncodeStreamChunk(chunk *types.StreamChunk) ([]byte, error) {
	out := *chunk
	if out.Object == "" {
		out.Object = "chat.completion.chunk"
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal chunk: %w", err)
	}
	return append(append([]byte("data: "), data...), '\n', '\n'), nil
}

// MapError converts an OpenAI error response to a normalized error.
func (p *Provider) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}

	message := "upstream request failed"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return gwerrors.NewUpstreamError(ProviderName, gwerrors.ReasonRateLimited, message)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return gwerrors.NewUpstreamError(ProviderName, gwerrors.ReasonTimeout, message)
	case statusCode >= 400 && statusCode < 500:
		return gwerrors.NewUpstreamError(ProviderName, gwerrors.ReasonInvalidRequest, message)
	default:
		return gwerrors.NewUpstreamError(ProviderName, gwerrors.ReasonServerError, message)
	}
}
