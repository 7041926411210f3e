package adapter

import (
	"sort"

	"github.com/yourorg/payment-gateway/internal/apperr"
	"github.com/yourorg/payment-gateway/internal/payment"
)

// Registry resolves a provider to its adapter. It is built once at startup
// and read-only afterwards.
type Registry struct {
	adapters map[payment.Provider]ProviderAdapter
}

func NewRegistry(adapters ...ProviderAdapter) *Registry {
	r := &Registry{adapters: make(map[payment.Provider]ProviderAdapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.GetName()] = a
	}
	return r
}

// Resolve returns the adapter for p. Unsupported and unconfigured providers
// are both InvalidProvider errors.
func (r *Registry) Resolve(p payment.Provider) (ProviderAdapter, error) {
	if !p.Valid() {
		return nil, apperr.InvalidProviderErr(string(p), payment.ProviderNames())
	}
	a, ok := r.adapters[p]
	if !ok {
		return nil, apperr.InvalidProviderErr(string(p), r.Names()).
			WithDetail("hint", "provider is supported but not configured on this deployment")
	}
	return a, nil
}

// Names lists the registered providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}
