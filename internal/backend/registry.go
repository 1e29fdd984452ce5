package backend

import (
	"fmt"
	"sort"
)

// Registry holds the loaded backends keyed by model name. It is built once at
// startup and shared by reference.
type Registry struct {
	backends map[ModelName]GenerationBackend
}

// NewRegistry registers the given backends; duplicate names are an error.
func NewRegistry(backends ...GenerationBackend) (*Registry, error) {
	r := &Registry{backends: make(map[ModelName]GenerationBackend, len(backends))}
	for _, b := range backends {
		if b == nil {
			continue
		}
		name := b.Name()
		if _, err := ParseModelName(string(name)); err != nil {
			return nil, err
		}
		if _, dup := r.backends[name]; dup {
			return nil, fmt.Errorf("backend %q registered twice", name)
		}
		r.backends[name] = b
	}
	return r, nil
}

// Get returns the backend serving name or an *UnavailableError.
func (r *Registry) Get(name string) (GenerationBackend, error) {
	model, err := ParseModelName(name)
	if err != nil {
		return nil, NotAvailable(name, r.Names())
	}
	b, ok := r.backends[model]
	if !ok {
		return nil, NotAvailable(name, r.Names())
	}
	return b, nil
}

// IsLoaded reports whether name is served.
func (r *Registry) IsLoaded(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// Names lists the loaded model names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.backends))
	for name := range r.backends {
		out = append(out, string(name))
	}
	sort.Strings(out)
	return out
}

// Backends returns the loaded backends in name order.
func (r *Registry) Backends() []GenerationBackend {
	out := make([]GenerationBackend, 0, len(r.backends))
	for _, name := range r.Names() {
		out = append(out, r.backends[ModelName(name)])
	}
	return out
}

// Len is the number of loaded backends.
func (r *Registry) Len() int { return len(r.backends) }
