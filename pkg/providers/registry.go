package providers

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/piiagent/integrator/pkg/engine"
	"github.com/rs/zerolog"
)

// Options configures the simulated connectors.
type Options struct {
	// Latency is added to every call.
	Latency time.Duration

	// Catalog overrides DefaultCatalog per provider.
	Catalog map[engine.CloudProvider][]engine.DiscoveredResource

	Clock  clockwork.Clock
	Logger zerolog.Logger
}

// Registry holds the connector of every provider.
type Registry struct {
	mu        sync.RWMutex
	simulated map[engine.CloudProvider]*Simulated
}

// NewRegistry creates simulated connectors for all providers.
func NewRegistry(opts Options) *Registry {
	catalog := DefaultCatalog()
	for p, resources := range opts.Catalog {
		catalog[p] = resources
	}

	r := &Registry{simulated: make(map[engine.CloudProvider]*Simulated)}
	for _, p := range engine.AllProviders() {
		r.simulated[p] = NewSimulated(p, catalog[p], opts.Latency, opts.Clock, opts.Logger)
	}
	return r
}

// Connectors returns the connector map consumed by the orchestrator.
func (r *Registry) Connectors() engine.Connectors {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(engine.Connectors, len(r.simulated))
	for p, s := range r.simulated {
		out[p] = s
	}
	return out
}

// Get returns the connector of provider.
func (r *Registry) Get(provider engine.CloudProvider) (*Simulated, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.simulated[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not registered", provider)
	}
	return s, nil
}

// Providers lists the registered providers in name order.
func (r *Registry) Providers() []engine.CloudProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]engine.CloudProvider, 0, len(r.simulated))
	for p := range r.simulated {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
