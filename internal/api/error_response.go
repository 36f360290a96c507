package api

// openaiErrorEnvelope is the OpenAI-compatible error envelope.
type openaiErrorEnvelope struct {
	Error openaiErrorDetail `json:"error"`
}

type openaiErrorDetail struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// anthropicErrorEnvelope is the Anthropic-compatible error envelope.
type anthropicErrorEnvelope struct {
	Type      string               `json:"type"` // always "error"
	Error     anthropicErrorDetail `json:"error"`
	RequestID string               `json:"request_id,omitempty"`
}

type anthropicErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
