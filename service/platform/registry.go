package platform

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/brojonat/affsync/service/metrics"
)

type entry struct {
	adapter    Adapter
	accountRef string
	def        *Definition
}

// Registry maps platform names to adapters.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds or replaces the adapter for name.
func (r *Registry) Register(name, accountRef string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{adapter: a, accountRef: accountRef}
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.adapter, ok
}

// AccountRef returns the account reference configured for name.
func (r *Registry) AccountRef(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name].accountRef
}

// Definition returns the definition a platform was built from, if any.
func (r *Registry) Definition(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || e.def == nil {
		return Definition{}, false
	}
	return *e.def, true
}

// Names returns registered platform names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// BuildRegistry creates an HTTPAdapter per definition, all sharing limiter.
func BuildRegistry(defs []Definition, limiter Limiter, httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry()
	for i := range defs {
		def := defs[i]
		a, err := NewHTTPAdapter(def, limiter, httpClient, m, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build adapter: %w", err)
		}
		r.mu.Lock()
		r.entries[def.Name] = entry{adapter: a, accountRef: def.AccountRef, def: &def}
		r.mu.Unlock()
	}
	return r, nil
}
