package postgres

import (
	"testing"
)

func TestVectorLiteralRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		vec  []float32
	}{
		{"simple", []float32{1, 2, 3}},
		{"fractional", []float32{0.25, -0.5, 0.125}},
		{"single", []float32{42}},
		{"tiny values", []float32{1e-7, -1e-7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			literal := encodeVector(tt.vec)
			got, err := decodeVector(literal)
			if err != nil {
				t.Fatalf("decodeVector(%q) error = %v", literal, err)
			}
			if len(got) != len(tt.vec) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.vec))
			}
			for i := range got {
				if got[i] != tt.vec[i] {
					t.Errorf("element %d = %v, want %v", i, got[i], tt.vec[i])
				}
			}
		})
	}
}

func TestEncodeVector_Format(t *testing.T) {
	if got := encodeVector([]float32{1, 0.5, -2}); got != "[1,0.5,-2]" {
		t.Errorf("encodeVector() = %q, want %q", got, "[1,0.5,-2]")
	}
	if got := encodeVector(nil); got != "[]" {
		t.Errorf("encodeVector(nil) = %q, want %q", got, "[]")
	}
}

func TestDecodeVector_Errors(t *testing.T) {
	tests := []struct {
		name    string
		literal string
	}{
		{"no brackets", "1,2,3"},
		{"bad element", "[1,abc,3]"},
		{"empty string", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeVector(tt.literal); err == nil {
				t.Errorf("decodeVector(%q) error = nil, want error", tt.literal)
			}
		})
	}
}

func TestDecodeVector_Whitespace(t *testing.T) {
	got, err := decodeVector(" [1, 2, 3] ")
	if err != nil {
		t.Fatalf("decodeVector() error = %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("decodeVector() = %v", got)
	}
}
