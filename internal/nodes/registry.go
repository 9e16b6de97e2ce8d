// Package nodes holds the node type registry and the built-in node types.
package nodes

import (
	"sort"
	"sync"

	"github.com/rendis/control/internal/engine"
	"github.com/rendis/control/pkg/schema"
)

// Info is a summary of a registered node type for listing.
type Info struct {
	Tag         string `json:"type"`
	Mode        string `json:"mode"`
	Description string `json:"description,omitempty"`
}

// Registry is a thread-safe set of node types keyed by tag. It satisfies
// engine.TypeResolver.
type Registry struct {
	mu    sync.RWMutex
	types map[string]engine.NodeType
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		types: make(map[string]engine.NodeType),
	}
}

// Register adds a node type. Returns error on empty or duplicate tag.
func (r *Registry) Register(t engine.NodeType) error {
	if t.Tag == "" {
		return schema.NewError(schema.ErrCodeValidation, "node type tag is empty")
	}
	if t.New == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "node type %q has no constructor", t.Tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[t.Tag]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "node type %q already registered", t.Tag)
	}

	r.types[t.Tag] = t
	return nil
}

// RegisterAll registers every type, stopping at the first failure.
func (r *Registry) RegisterAll(types ...engine.NodeType) error {
	for _, t := range types {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the type registered under tag.
func (r *Registry) Lookup(tag string) (engine.NodeType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[tag]
	return t, ok
}

// Get is Lookup returning NOT_FOUND for an unknown tag.
func (r *Registry) Get(tag string) (engine.NodeType, error) {
	t, ok := r.Lookup(tag)
	if !ok {
		return engine.NodeType{}, schema.NewErrorf(schema.ErrCodeNotFound, "node type %q not registered", tag)
	}
	return t, nil
}

// List returns info for all registered types, sorted by tag.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.types))
	for _, t := range r.types {
		infos = append(infos, Info{
			Tag:         t.Tag,
			Mode:        t.Mode.String(),
			Description: t.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Tag < infos[j].Tag
	})
	return infos
}

// Has checks if a tag is registered.
func (r *Registry) Has(tag string) bool {
	_, ok := r.Lookup(tag)
	return ok
}

// Count returns the number of registered types.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

var _ engine.TypeResolver = (*Registry)(nil)
