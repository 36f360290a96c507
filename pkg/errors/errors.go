// Package errors defines the unified error taxonomy for gateway
// operations. Provider-specific error bodies are never surfaced to
// callers; they are mapped onto these types with a normalized reason
// and an opaque request identifier.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types.
const (
	TypeProviderUnresolved   = "provider_unresolved"
	TypeInvalidRequest       = "invalid_request_error"
	TypeUpstreamError        = "upstream_error"
	TypeEmbeddingUnavailable = "embedding_unavailable"
	TypeStoreUnavailable     = "store_unavailable"
	TypeRateLimited          = "rate_limit_error"
	TypeInternalError        = "internal_error"
)

// Normalized upstream failure reasons.
const (
	ReasonRateLimited    = "rate-limited"
	ReasonInvalidRequest = "invalid-request"
	ReasonServerError    = "server-error"
	ReasonTimeout        = "timeout"
)

// GatewayError is the standardized error for all gateway operations.
type GatewayError struct {
	StatusCode int    `json:"status_code"`
	Type       string `json:"type"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message"`
	Provider   string `json:"provider,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Retryable  bool   `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("[%s] %s (reason=%s, provider=%s)", e.Type, e.Message, e.Reason, e.Provider)
	}
	return fmt.Sprintf("[%s] %s (provider=%s)", e.Type, e.Message, e.Provider)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// WithRequestID attaches the request identifier returned to callers in
// place of provider-specific detail.
func (e *GatewayError) WithRequestID(id string) *GatewayError {
	e.RequestID = id
	return e
}

// NewProviderUnresolved is returned when no adapter claims a payload and
// the caller did not name a provider explicitly.
func NewProviderUnresolved(message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadRequest,
		Type:       TypeProviderUnresolved,
		Message:    message,
	}
}

// NewInvalidRequest is returned for malformed inbound payloads.
func NewInvalidRequest(message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadRequest,
		Type:       TypeInvalidRequest,
		Message:    message,
	}
}

// NewUpstreamError wraps a provider failure with a normalized reason.
// The original provider body is not carried.
func NewUpstreamError(provider, reason, message string) *GatewayError {
	e := &GatewayError{
		Type:     TypeUpstreamError,
		Reason:   reason,
		Message:  message,
		Provider: provider,
	}
	switch reason {
	case ReasonRateLimited:
		e.StatusCode = http.StatusTooManyRequests
		e.Retryable = true
	case ReasonInvalidRequest:
		e.StatusCode = http.StatusBadRequest
	case ReasonTimeout:
		e.StatusCode = http.StatusGatewayTimeout
		e.Retryable = true
	default:
		e.Reason = ReasonServerError
		e.StatusCode = http.StatusBadGateway
		e.Retryable = true
	}
	return e
}

// NewEmbeddingUnavailable marks an embedding failure. Non-fatal: memory
// store and retrieve degrade instead of failing the request.
func NewEmbeddingUnavailable(message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusServiceUnavailable,
		Type:       TypeEmbeddingUnavailable,
		Message:    message,
		Retryable:  true,
	}
}

// NewStoreUnavailable marks the durable vector store as unreachable.
// Fatal at startup when the store was explicitly configured.
func NewStoreUnavailable(message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusServiceUnavailable,
		Type:       TypeStoreUnavailable,
		Message:    message,
		Retryable:  true,
	}
}

// NewRateLimited marks a request rejected by the gateway's own inbound
// rate limit, as opposed to an upstream 429.
func NewRateLimited(message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusTooManyRequests,
		Type:       TypeRateLimited,
		Reason:     ReasonRateLimited,
		Message:    message,
		Retryable:  true,
	}
}

// NewInternalError creates an internal gateway error.
func NewInternalError(provider, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusInternalServerError,
		Type:       TypeInternalError,
		Message:    message,
		Provider:   provider,
	}
}

// IsEmbeddingUnavailable reports whether err is an embedding failure.
func IsEmbeddingUnavailable(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Type == TypeEmbeddingUnavailable
}

// AsGatewayError converts any error into a *GatewayError, wrapping
// unknown errors as internal.
func AsGatewayError(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return NewInternalError("", err.Error())
}
