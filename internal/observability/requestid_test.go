package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDMiddleware_Generates(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("no request ID in context")
	}
	if got := rec.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("header = %q, context = %q", got, seen)
	}
}

func TestRequestIDMiddleware_HonorsClientID(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "client-id-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "client-id-123" {
		t.Errorf("request ID = %q, want client value", seen)
	}
}

func TestSanitizeRequestID(t *testing.T) {
	tests := []struct {
		name  string
		value string
		ok    bool
	}{
		{"simple", "abc-123", true},
		{"dots and underscores", "a.b_c", true},
		{"empty", "", false},
		{"spaces inside", "a b", false},
		{"control characters", "a\nb", false},
		{"too long", string(make([]byte, 200)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := sanitizeRequestID(tt.value); ok != tt.ok {
				t.Errorf("sanitizeRequestID(%q) ok = %v, want %v", tt.value, ok, tt.ok)
			}
		})
	}
}
