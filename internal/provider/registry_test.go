package provider_test

import (
	"testing"

	"github.com/blueberrycongee/memgate/internal/provider"
	"github.com/blueberrycongee/memgate/internal/provider/anthropic"
	"github.com/blueberrycongee/memgate/internal/provider/openai"
	gwerrors "github.com/blueberrycongee/memgate/pkg/errors"
)

func newTestRegistry(t *testing.T) *provider.Registry {
	t.Helper()
	r := provider.NewRegistry()

	oai, err := openai.New(provider.Config{APIKey: "k"})
	if err != nil {
		t.Fatalf("openai.New() error = %v", err)
	}
	ant, err := anthropic.New(provider.Config{APIKey: "k"})
	if err != nil {
		t.Fatalf("anthropic.New() error = %v", err)
	}

	r.Register(oai)
	r.Register(ant)
	return r
}

func TestRegistry_Resolve_Explicit(t *testing.T) {
	r := newTestRegistry(t)

	p, err := r.Resolve("anthropic", []byte(`{}`))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %s, want anthropic", p.Name())
	}
}

func TestRegistry_Resolve_ExplicitUnknown(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Resolve("gemini", []byte(`{}`))
	if err == nil {
		t.Fatal("Resolve() error = nil, want unresolved")
	}
	if ge := gwerrors.AsGatewayError(err); ge.Type != gwerrors.TypeProviderUnresolved {
		t.Errorf("type = %s, want %s", ge.Type, gwerrors.TypeProviderUnresolved)
	}
}

func TestRegistry_Resolve_Detection(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"openai shape", `{"model": "gpt-4o", "messages": [{"role": "user", "content": "hi"}]}`, "openai"},
		{"openai with system message", `{"model": "gpt-4o", "messages": [{"role": "system", "content": "s"}, {"role": "user", "content": "hi"}]}`, "openai"},
		{"anthropic system field", `{"model": "gpt-4o", "system": "x", "messages": [{"role": "user", "content": "hi"}]}`, "anthropic"},
		{"claude model", `{"model": "claude-3-opus", "messages": [{"role": "user", "content": "hi"}]}`, "anthropic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Resolve("", []byte(tt.raw))
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if p.Name() != tt.want {
				t.Errorf("Name() = %s, want %s", p.Name(), tt.want)
			}
		})
	}
}

func TestRegistry_Resolve_NoMatch(t *testing.T) {
	r := newTestRegistry(t)

	// No messages array: neither adapter claims it, and the registry
	// must not fall back to a default.
	_, err := r.Resolve("", []byte(`{"prompt": "old completions style"}`))
	if err == nil {
		t.Fatal("Resolve() error = nil, want unresolved")
	}
	if ge := gwerrors.AsGatewayError(err); ge.Type != gwerrors.TypeProviderUnresolved {
		t.Errorf("type = %s, want %s", ge.Type, gwerrors.TypeProviderUnresolved)
	}
}

func TestRegistry_Names_PreservesOrder(t *testing.T) {
	r := newTestRegistry(t)

	names := r.Names()
	if len(names) != 2 || names[0] != "openai" || names[1] != "anthropic" {
		t.Errorf("Names() = %v, want [openai anthropic]", names)
	}
}
