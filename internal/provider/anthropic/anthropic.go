// Package anthropic implements the Anthropic Claude provider adapter.
// It handles bidirectional translation between the canonical chat
// shapes and Anthropic's Messages API, including the system-prompt
// fold: canonical system messages become the top-level system field on
// encode, and decode reverses it, so round-tripping preserves the
// semantic message sequence even though the wire shape differs.
package anthropic

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
	ProviderName = "anthropic"

	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the default Anthropic API version.
	DefaultAPIVersion = "2023-06-01"

	// DefaultMaxTokens is applied when the canonical request carries no
	// limit; Anthropic requires max_tokens.
	DefaultMaxTokens = 4096
)

// Provider implements the Anthropic Messages API adapter.
type Provider struct {
	apiKey     string
	baseURL    string
	apiVersion string
}

// New creates a new Anthropic provider instance.
func New(cfg provider.Config) (*Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Provider{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiVersion: DefaultAPIVersion,
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return ProviderName
}

// Detect reports whether the payload looks like an Anthropic Messages
// request: a messages array plus either the top-level system field or
// claude model naming.
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
	return len(probe.System) > 0 || strings.HasPrefix(probe.Model, "claude-")
}

// anthropicRequest represents the Anthropic Messages API request format.
type anthropicRequest struct {
	Model         string               `json:"model"`
	Messages      []anthropicMessage   `json:"messages"`
	MaxTokens     int                  `json:"max_tokens"`
	System        json.RawMessage      `json:"system,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	Metadata      *anthropicMetadata   `json:"metadata,omitempty"`
	Memory        *types.MemoryOptions `json:"memory,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// anthropicResponse represents the Anthropic Messages API response format.
type anthropicResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []contentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        anthropicUsage `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// DecodeRequest parses an Anthropic-shaped request into the canonical
// form. The top-level system field becomes a leading system-role
// message so downstream code sees one uniform message sequence.
func (p *Provider) DecodeRequest(raw []byte) (*types.ChatRequest, error) {
	var areq anthropicRequest
	if err := json.Unmarshal(raw, &areq); err != nil {
		return nil, gwerrors.NewInvalidRequest("invalid JSON: " + err.Error())
	}
	if len(areq.Messages) == 0 {
		return nil, gwerrors.NewInvalidRequest("messages is required")
	}

	req := &types.ChatRequest{
		Model:       areq.Model,
		Stream:      areq.Stream,
		MaxTokens:   areq.MaxTokens,
		Temperature: areq.Temperature,
		TopP:        areq.TopP,
		Stop:        areq.StopSequences,
		Memory:      areq.Memory,
	}
	if areq.Metadata != nil {
		req.User = areq.Metadata.UserID
	}

	messages := make([]types.ChatMessage, 0, len(areq.Messages)+1)
	if systemText, ok := systemAsText(areq.System); ok {
		messages = append(messages, types.TextMessage(types.RoleSystem, systemText))
	}
	for _, msg := range areq.Messages {
		switch msg.Role {
		case types.RoleUser, types.RoleAssistant:
			messages = append(messages, types.ChatMessage{Role: msg.Role, Content: msg.Content})
		default:
			return nil, gwerrors.NewInvalidRequest("unsupported message role: " + msg.Role)
		}
	}
	req.Messages = messages

	return req, nil
}

// systemAsText flattens Anthropic's system field, which may be a string
// or an array of text blocks.
func systemAsText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, text != ""
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, block := range blocks {
			if block.Type == "" || block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		return b.String(), b.Len() > 0
	}

	return "", false
}

// BuildRequest creates an HTTP request for the Anthropic API. Canonical
// parameters with no Anthropic equivalent are dropped silently.
func (p *Provider) BuildRequest(ctx context.Context, req *types.ChatRequest) (*http.Request, error) {
	areq, err := p.transformRequest(req)
	if err != nil {
		return nil, fmt.Errorf("transform request: %w", err)
	}

	body, err := json.Marshal(areq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := p.baseURL + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", p.apiVersion)

	return httpReq, nil
}

func (p *Provider) transformRequest(req *types.ChatRequest) (*anthropicRequest, error) {
	areq := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   DefaultMaxTokens,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxTokens > 0 {
		areq.MaxTokens = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		areq.StopSequences = req.Stop
	}
	if req.User != "" {
		areq.Metadata = &anthropicMetadata{UserID: req.User}
	}

	var systemParts []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case types.RoleSystem:
			systemParts = append(systemParts, msg.ContentText())
		case types.RoleUser, types.RoleAssistant:
			areq.Messages = append(areq.Messages, anthropicMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		default:
			return nil, fmt.Errorf("unsupported message role: %s", msg.Role)
		}
	}
	if len(systemParts) > 0 {
		system, err := json.Marshal(strings.Join(systemParts, "\n\n"))
		if err != nil {
			return nil, err
		}
		areq.System = system
	}

	return areq, nil
}

// ParseResponse transforms an Anthropic response into the canonical format.
func (p *Provider) ParseResponse(resp *http.Response) (*types.ChatResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var aresp anthropicResponse
	if err := json.Unmarshal(body, &aresp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var text strings.Builder
	for _, block := range aresp.Content {
		if block.Type == "text" || block.Type == "" {
			text.WriteString(block.Text)
		}
	}

	return &types.ChatResponse{
		ID:     aresp.ID,
		Object: "chat.completion",
		Model:  aresp.Model,
		Choices: []types.Choice{{
			Index:        0,
			Message:      types.TextMessage(types.RoleAssistant, text.String()),
			FinishReason: toCanonicalFinish(aresp.StopReason),
		}},
		Usage: &types.Usage{
			PromptTokens:     aresp.Usage.InputTokens,
			CompletionTokens: aresp.Usage.OutputTokens,
			TotalTokens:      aresp.Usage.InputTokens + aresp.Usage.OutputTokens,
		},
	}, nil
}

// EncodeResponse renders a canonical response in Anthropic shape.
func (p *Provider) EncodeResponse(resp *types.ChatResponse) ([]byte, error) {
	aresp := anthropicResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  types.RoleAssistant,
		Model: resp.Model,
	}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		aresp.Content = []contentBlock{{
			Type: "text",
			Text: choice.Message.ContentText(),
		}}
		aresp.StopReason = fromCanonicalFinish(choice.FinishReason)
	}
	if resp.Usage != nil {
		aresp.Usage = anthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return json.Marshal(aresp)
}

// toCanonicalFinish maps Anthropic stop reasons onto the canonical
// finish-reason vocabulary.
func toCanonicalFinish(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return types.FinishStop
	case "max_tokens":
		return types.FinishLength
	case "tool_use":
		return types.FinishToolCalls
	case "refusal":
		return types.FinishContentFilter
	case "":
		return ""
	default:
		return types.FinishStop
	}
}

// fromCanonicalFinish is the reverse mapping.
func fromCanonicalFinish(reason string) string {
	switch reason {
	case types.FinishLength:
		return "max_tokens"
	case types.FinishToolCalls:
		return "tool_use"
	case types.FinishContentFilter:
		return "refusal"
	case "":
		return ""
	default:
		return "end_turn"
	}
}

// ParseStreamChunk parses a single SSE line from an Anthropic stream.
// Event-name lines and non-content events yield nil, nil.
func (p *Provider) ParseStreamChunk(data []byte) (*types.StreamChunk, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.HasPrefix(trimmed, []byte("event:")) {
		return nil, nil
	}
	if bytes.HasPrefix(trimmed, []byte("data: ")) {
		trimmed = bytes.TrimPrefix(trimmed, []byte("data: "))
	}
	if bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil, nil
	}

	var event struct {
		Type    string `json:"type"`
		Message *struct {
			ID    string `json:"id"`
			Model string `json:"model"`
		} `json:"message"`
		Delta *struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return nil, nil // skip unparseable events
	}

	switch event.Type {
	case "message_start":
		if event.Message == nil {
			return nil, nil
		}
		return &types.StreamChunk{
			ID:     event.Message.ID,
			Object: "chat.completion.chunk",
			Model:  event.Message.Model,
			Choices: []types.StreamChoice{{
				Index: 0,
				Delta: types.StreamDelta{Role: types.RoleAssistant},
			}},
		}, nil

	case "content_block_delta":
		if event.Delta == nil || event.Delta.Type != "text_delta" {
			return nil, nil
		}
		return &types.StreamChunk{
			Object: "chat.completion.chunk",
			Choices: []types.StreamChoice{{
				Index: 0,
				Delta: types.StreamDelta{Content: event.Delta.Text},
			}},
		}, nil

	case "message_delta":
		if event.Delta == nil || event.Delta.StopReason == "" {
			return nil, nil
		}
		return &types.StreamChunk{
			Object: "chat.completion.chunk",
			Choices: []types.StreamChoice{{
				Index:        0,
				FinishReason: toCanonicalFinish(event.Delta.StopReason),
			}},
		}, nil
	}

	return nil, nil
}

// EncodeStreamChunk renders a canonical delta as Anthropic SSE events.
// Each rendered chunk is self-contained: role deltas open the message,
// finish deltas close it, so no cross-chunk state is carried.
func (p *Provider) EncodeStreamChunk(chunk *types.StreamChunk) ([]byte, error) {
	if len(chunk.Choices) == 0 {
		return nil, nil
	}
	choice := chunk.Choices[0]

	var buf bytes.Buffer
	writeEvent := func(name string, payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", name, data)
		return nil
	}

	if choice.Delta.Role != "" {
		start := map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":      chunk.ID,
				"type":    "message",
				"role":    types.RoleAssistant,
				"model":   chunk.Model,
				"content": []any{},
			},
		}
		if err := writeEvent("message_start", start); err != nil {
			return nil, err
		}
		blockStart := map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]any{"type": "text", "text": ""},
		}
		if err := writeEvent("content_block_start", blockStart); err != nil {
			return nil, err
		}
	}

	if choice.Delta.Content != "" {
		delta := map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": choice.Delta.Content},
		}
		if err := writeEvent("content_block_delta", delta); err != nil {
			return nil, err
		}
	}

	if choice.FinishReason != "" {
		blockStop := map[string]any{"type": "content_block_stop", "index": 0}
		if err := writeEvent("content_block_stop", blockStop); err != nil {
			return nil, err
		}
		msgDelta := map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": fromCanonicalFinish(choice.FinishReason)},
		}
		if chunk.Usage != nil {
			msgDelta["usage"] = map[string]any{"output_tokens": chunk.Usage.CompletionTokens}
		}
		if err := writeEvent("message_delta", msgDelta); err != nil {
			return nil, err
		}
		if err := writeEvent("message_stop", map[string]any{"type": "message_stop"}); err != nil {
			return nil, err
		}
	}

	if buf.Len() == 0 {
		return nil, nil
	}
	return buf.Bytes(), nil
}

// MapError converts an Anthropic error response to a normalized error.
func (p *Provider) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
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
