package image

import (
	"sort"

	"github.com/BaSui01/imageflow/types"
)

// Registry selects an adapter by provider name. It is read-only after construction.
type Registry struct {
	adapters map[Provider]Adapter
}

// NewRegistry registers the given adapters. A later adapter replaces an earlier one with the same name.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Name()] = a
		}
	}
	return r
}

// Get returns the adapter for a provider.
func (r *Registry) Get(provider Provider) (Adapter, error) {
	if a, ok := r.adapters[provider]; ok {
		return a, nil
	}
	return nil, types.Errorf(types.ErrInvalidInput, "provider %q is not available", provider)
}

// Providers returns the registered providers sorted by name.
func (r *Registry) Providers() []Provider {
	out := make([]Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
