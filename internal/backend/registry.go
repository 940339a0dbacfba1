package backend

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

var (
	// ErrNotRegistered is returned when no backend is registered under a name.
	ErrNotRegistered = errors.New("backend not registered")

	// ErrDisabled is returned when a backend is registered but disabled.
	ErrDisabled = errors.New("backend disabled")
)

// Info describes a registered backend for listing.
type Info struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

type entry struct {
	backend Backend
	enabled bool
}

// Registry holds named backend instances and resolves a name to an enabled
// instance. It is safe for concurrent use, so backends may be registered or
// toggled while experiments are running.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*entry
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]*entry),
	}
}

// Register adds an enabled backend under the given name, replacing any
// previous registration.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = &entry{backend: b, enabled: true}
}

// SetEnabled enables or disables a registered backend.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.backends[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	e.enabled = enabled
	return nil
}

// Resolve returns the enabled backend registered under name.
func (r *Registry) Resolve(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	if !e.enabled {
		return nil, fmt.Errorf("%w: %q", ErrDisabled, name)
	}
	return e.backend, nil
}

// Lookup returns the backend registered under name regardless of whether it
// is enabled. Used for administrative calls such as health checks.
func (r *Registry) Lookup(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.backends[name]
	if !ok {
		return nil, false
	}
	return e.backend, true
}

// List returns information about all registered backends, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.backends))
	for name, e := range r.backends {
		infos = append(infos, Info{Name: name, Enabled: e.enabled})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Close closes every registered backend that implements io.Closer and
// returns the joined errors.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for name, e := range r.backends {
		c, ok := e.backend.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
