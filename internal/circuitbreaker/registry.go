package circuitbreaker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/wudi/breakerstats/internal/config"
)

// Registry manages circuit breakers by name
type Registry struct {
	breakers map[string]*Breaker
	closed   bool
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
	}
}

// NewRegistryFromConfig builds one breaker per config entry. onStateChange
// receives the breaker name with each transition. If any breaker fails to
// build, the ones already built are shut down.
func NewRegistryFromConfig(cfgs []config.BreakerConfig, onStateChange func(name, from, to string), opts ...Option) (*Registry, error) {
	r := NewRegistry()
	for _, cfg := range cfgs {
		var cb func(from, to string)
		if onStateChange != nil {
			name := cfg.Name
			cb = func(from, to string) { onStateChange(name, from, to) }
		}
		b, err := NewBreaker(cfg.Name, cfg, cb, opts...)
		if err != nil {
			r.Shutdown()
			return nil, fmt.Errorf("breaker %s: %w", cfg.Name, err)
		}
		if err := r.Add(b); err != nil {
			b.Shutdown()
			r.Shutdown()
			return nil, err
		}
	}
	return r, nil
}

// Add registers b under its name. Names must be unique.
func (r *Registry) Add(b *Breaker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrShutdown
	}
	if _, exists := r.breakers[b.Name()]; exists {
		return fmt.Errorf("duplicate breaker name: %s", b.Name())
	}
	r.breakers[b.Name()] = b
	return nil
}

// Get returns the breaker with the given name, or nil
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Lookup returns the named breaker. It fails with ErrUnknownBreaker for a
// name it does not hold and ErrShutdown once the registry or the breaker has
// been shut down.
func (r *Registry) Lookup(name string) (*Breaker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrShutdown
	}
	b, ok := r.breakers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBreaker, name)
	}
	if b.IsShutdown() {
		return nil, fmt.Errorf("breaker %s: %w", name, ErrShutdown)
	}
	return b, nil
}

// IsShutdown reports whether Shutdown has been called.
func (r *Registry) IsShutdown() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Names returns all breaker names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshots returns snapshots of all circuit breakers
func (r *Registry) Snapshots() map[string]BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]BreakerSnapshot, len(r.breakers))
	for name, b := range r.breakers {
		result[name] = b.Snapshot()
	}
	return result
}

// Shutdown stops every breaker's rolling window. Safe to call more than once.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	for _, b := range breakers {
		b.Shutdown()
	}
}
