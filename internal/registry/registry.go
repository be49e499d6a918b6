// Package registry is the Tool Registry: a static mapping from capability
// name to handler. Handlers are registered while the process starts; after
// that the registry only answers lookups and enumerations.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/halbridge/halbridge/pkg/contracts"
	"github.com/halbridge/halbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

// Registry holds named capability handlers. Thread-safe.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]contracts.Handler
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		handlers: make(map[string]contracts.Handler),
	}
}

// Register adds a handler under its capability name. Registering the same
// name twice is a configuration error.
func (r *Registry) Register(h contracts.Handler) error {
	name := h.Spec().Name
	if name == "" {
		return fmt.Errorf("register capability: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("register capability %s: already registered", name)
	}
	r.handlers[name] = h
	log.Debug().Str("capability", name).Msg("Capability registered")
	return nil
}

// MustRegister is Register for wiring code; it panics on error.
func (r *Registry) MustRegister(handlers ...contracts.Handler) {
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
}

// Get returns the handler for capability or models.ErrCapabilityNotFound.
func (r *Registry) Get(capability string) (contracts.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[capability]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrCapabilityNotFound, capability)
	}
	return h, nil
}

// Has reports whether capability is registered.
func (r *Registry) Has(capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[capability]
	return ok
}

// Names returns all registered capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the specs of all registered capabilities, sorted by name.
func (r *Registry) Specs() []models.CapabilitySpec {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]models.CapabilitySpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, r.handlers[name].Spec())
	}
	return specs
}
