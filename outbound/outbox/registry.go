package outbox

import (
	"context"
	"fmt"
	"sync"
)

// Deliverer pushes one event to its external destination. Implementations
// return nil on success, a permanent DeliveryError when retrying cannot help,
// and any other error for transient failures.
type Deliverer interface {
	Deliver(ctx context.Context, event *Event) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, event *Event) error

func (f DelivererFunc) Deliver(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Registration binds a deliverer to the circuit breaker dependency it calls
// through. Deliverers sharing a Dependency share breaker state.
type Registration struct {
	Deliverer  Deliverer
	Dependency string
}

// DelivererRegistry maps event kinds to their deliverers. Registrations
// happen at startup; lookups are concurrent-safe.
type DelivererRegistry struct {
	mu            sync.RWMutex
	registrations map[Kind]Registration
}

// NewDelivererRegistry creates an empty registry.
func NewDelivererRegistry() *DelivererRegistry {
	return &DelivererRegistry{
		registrations: make(map[Kind]Registration),
	}
}

// Register binds a deliverer to a kind. The dependency names the downstream
// the deliverer talks to and keys its circuit breaker. Registering the same
// kind twice is a wiring bug and fails.
func (r *DelivererRegistry) Register(kind Kind, dependency string, deliverer Deliverer) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}

	if deliverer == nil {
		return fmt.Errorf("deliverer for kind %q is nil", kind)
	}

	if dependency == "" {
		dependency = string(kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.registrations[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDelivererRegistered, kind)
	}

	r.registrations[kind] = Registration{Deliverer: deliverer, Dependency: dependency}

	return nil
}

// Resolve returns the registration for a kind, or ErrNoDeliverer.
func (r *DelivererRegistry) Resolve(kind Kind) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	registration, ok := r.registrations[kind]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %s", ErrNoDeliverer, kind)
	}

	return registration, nil
}

// Kinds returns the kinds with a registered deliverer.
func (r *DelivererRegistry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.registrations))
	for kind := range r.registrations {
		kinds = append(kinds, kind)
	}

	return kinds
}
