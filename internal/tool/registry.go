package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/zipsaai/zipsa/internal/retrieval"
)

// Invoker is the sole polymorphic surface for retrieval agents. Concrete
// agents (legal, loan, general search) are variants behind this one contract,
// selected by capability tag rather than by type inspection.
type Invoker interface {
	Invoke(ctx context.Context, query string, filters map[string]string) (retrieval.ResultSet, error)
}

// InvokerFunc adapts a plain function to the Invoker interface.
type InvokerFunc func(ctx context.Context, query string, filters map[string]string) (retrieval.ResultSet, error)

func (f InvokerFunc) Invoke(ctx context.Context, query string, filters map[string]string) (retrieval.ResultSet, error) {
	return f(ctx, query, filters)
}

// Descriptor is a registry entry for one retrieval agent.
type Descriptor struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Invoker      Invoker  `json:"-"`
}

// HasCapability reports whether the descriptor declares the given tag.
func (d Descriptor) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// ErrToolNotFound indicates a dispatch target that is not registered.
var ErrToolNotFound = fmt.Errorf("tool not found")

// Registry maps agent names to descriptors. It is an explicit instance
// threaded through the supervisor as a dependency, not ambient global state.
// Registration happens once at startup; lookups afterwards are safe for
// concurrent use. Registration order is preserved so capability ties break
// deterministically.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Descriptor
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Descriptor)}
}

// Register adds a descriptor. Re-registration under the same name replaces
// the prior entry (last write wins) while keeping its original order slot.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("tool name required")
	}
	if d.Invoker == nil {
		return fmt.Errorf("tool %s: invoker required", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[d.Name]; !ok {
		r.order = append(r.order, d.Name)
	}
	r.tools[d.Name] = d
	return nil
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%s: %w", name, ErrToolNotFound)
	}
	return d, nil
}

// List returns registered names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ByCapability returns descriptors declaring the tag, in registration order.
func (r *Registry) ByCapability(tag string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Descriptor
	for _, name := range r.order {
		d := r.tools[name]
		if d.HasCapability(tag) {
			out = append(out, d)
		}
	}
	return out
}
