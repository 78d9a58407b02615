package circuitbreaker

import (
	"strings"
	"sync"
)

// Registry owns the breaker instances for a process, keyed by dependency
// name. It is built by the composition root and passed to the processor and
// adapters by reference; there is no package-level breaker state.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	opts     []Option
}

// NewRegistry creates an empty registry. The given options are applied to
// every breaker the registry creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		opts:     opts,
	}
}

// GetOrCreate returns the breaker for name, creating it with cfg when absent.
// The config of an existing breaker is not changed.
func (registry *Registry) GetOrCreate(name string, cfg Config) (*Breaker, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}

	registry.mu.RLock()
	breaker, exists := registry.breakers[name]
	registry.mu.RUnlock()

	if exists {
		return breaker, nil
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if breaker, exists = registry.breakers[name]; exists {
		return breaker, nil
	}

	breaker, err := New(name, cfg, registry.opts...)
	if err != nil {
		return nil, err
	}

	registry.breakers[name] = breaker

	return breaker, nil
}

// Get returns the breaker for name if it exists.
func (registry *Registry) Get(name string) (*Breaker, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	breaker, exists := registry.breakers[name]

	return breaker, exists
}

// States returns a snapshot of every breaker's current state, used by
// operator endpoints and gauges.
func (registry *Registry) States() map[string]State {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	states := make(map[string]State, len(registry.breakers))
	for name, breaker := range registry.breakers {
		states[name] = breaker.State()
	}

	return states
}
