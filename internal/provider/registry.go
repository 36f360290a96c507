package provider

import (
	"sync"

	gwerrors "github.com/blueberrycongee/memgate/pkg/errors"
)

// Registry holds the registered adapters in a fixed priority order.
// Detection runs in registration order and the first match wins, so
// ordering is part of the contract.
type Registry struct {
	mu      sync.RWMutex
	ordered []Provider
	byName  map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Provider),
	}
}

// Register appends an adapter. Registration order defines detection
// priority.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[p.Name()]; exists {
		return
	}
	r.ordered = append(r.ordered, p)
	r.byName[p.Name()] = p
}

// Get returns an adapter by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// Names returns the registered provider names in priority order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.ordered))
	for i, p := range r.ordered {
		names[i] = p.Name()
	}
	return names
}

// Resolve selects the adapter for a request. An explicit name wins;
// otherwise Detect runs across adapters in priority order. When nothing
// matches it returns ProviderUnresolved — the gateway never silently
// defaults to an arbitrary provider.
func (r *Registry) Resolve(explicit string, raw []byte) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if explicit != "" {
		if p, ok := r.byName[explicit]; ok {
			return p, nil
		}
		return nil, gwerrors.NewProviderUnresolved("unknown provider: " + explicit)
	}

	for _, p := range r.ordered {
		if p.Detect(raw) {
			return p, nil
		}
	}
	return nil, gwerrors.NewProviderUnresolved("request matches no registered provider schema")
}
