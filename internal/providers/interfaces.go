package providers

import (
	"context"

	"github.com/tributary-ai/llm-gateway/internal/types"
)

// Provider is the contract every upstream AI provider implements.
type Provider interface {
	Name() string
	Capabilities() types.ProviderCapabilities
	Complete(ctx context.Context, model string, req *types.AIRequest) (*types.AIResponse, error)
	EstimateCost(model string, req *types.AIRequest) (*types.CostEstimate, error)
	HealthCheck(ctx context.Context) error
}

// Registry is a fixed set of named providers assembled at startup.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(list ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(list))}
	for _, p := range list {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names lists registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// All returns every registered provider.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}
