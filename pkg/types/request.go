// Package types defines the canonical data structures exchanged between
// provider adapters. The canonical shape is OpenAI-compatible; every
// adapter translates its provider's wire format to and from these types.
package types //nolint:revive // package name is intentional

import "github.com/goccy/go-json"

// Chat message roles. The canonical role set is closed; adapters map
// provider-specific role vocabularies bijectively onto it.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest represents a canonical chat completion request.
// It serves as the unified input format for all provider adapters.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []ChatMessage   `json:"messages"`
	Stream           bool            `json:"stream,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	User             string          `json:"user,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`

	// Memory controls per-request retrieval and storage. It is stripped
	// from the payload before the request is forwarded upstream.
	Memory *MemoryOptions `json:"memory,omitempty"`

	// Extra holds unrecognized fields captured on decode. Adapters that
	// speak the same dialect pass them through unchanged; cross-dialect
	// encoding drops them silently.
	Extra map[string]json.RawMessage `json:"-"`
}

var chatRequestKnownFields = map[string]struct{}{
	"model":             {},
	"messages":          {},
	"stream":            {},
	"max_tokens":        {},
	"temperature":       {},
	"top_p":             {},
	"n":                 {},
	"stop":              {},
	"presence_penalty":  {},
	"frequency_penalty": {},
	"user":              {},
	"tool_choice":       {},
	"memory":            {},
}

// MarshalJSON merges Extra fields without overriding explicitly set fields.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	type Alias ChatRequest

	base, err := json.Marshal(Alias(r))
	if err != nil || len(r.Extra) == 0 {
		return base, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(base, &payload); err != nil {
		return nil, err
	}

	for key, value := range r.Extra {
		if _, exists := payload[key]; !exists {
			payload[key] = value
		}
	}

	return json.Marshal(payload)
}

// UnmarshalJSON captures unknown fields into Extra for passthrough.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type Alias ChatRequest

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	var parsed Alias
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}

	*r = ChatRequest(parsed)
	for key := range chatRequestKnownFields {
		delete(payload, key)
	}

	if len(payload) == 0 {
		r.Extra = nil
	} else {
		r.Extra = payload
	}

	return nil
}

// ChatMessage represents a single message in the conversation.
// Content is kept raw so both string and content-block forms survive
// round-tripping untouched.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// TextMessage builds a message with a plain string content.
func TextMessage(role, text string) ChatMessage {
	content, _ := json.Marshal(text)
	return ChatMessage{Role: role, Content: content}
}

// ContentText extracts plain text from a message content, flattening
// content-block arrays of type "text".
func (m ChatMessage) ContentText() string {
	if len(m.Content) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return text
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err == nil {
		var out string
		for _, part := range parts {
			if part.Type == "" || part.Type == "text" {
				out += part.Text
			}
		}
		return out
	}

	return string(m.Content)
}

// MemoryOptions is the request-level flag block controlling memory
// augmentation for a single chat turn.
type MemoryOptions struct {
	OwnerID  string   `json:"owner_id"`
	Recall   bool     `json:"recall"`
	Store    bool     `json:"store"`
	TopK     int      `json:"top_k,omitempty"`
	MinScore *float64 `json:"min_score,omitempty"`
}
