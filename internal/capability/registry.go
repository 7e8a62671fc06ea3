// Package capability answers "which peers can do X" across the mesh.
//
// Each device keeps a Registry of its own capability descriptors, keyed by
// category. A query is a list of Predicates that must all hold; it is
// broadcast on the capability topic and every peer whose registry satisfies
// it replies directly. The originator collects replies for a fixed window.
package capability

import (
	"slices"
	"sync"

	"github.com/roach88/meshsync/internal/fault"
	"github.com/roach88/meshsync/internal/ir"
)

// Category groups descriptors.
type Category string

const (
	CategorySensor       Category = "sensor"
	CategoryCompute      Category = "compute"
	CategoryConnectivity Category = "connectivity"
	CategoryDisplay      Category = "display"
	CategoryExtended     Category = "extended"
)

// Categories lists the valid categories in display order.
var Categories = []Category{
	CategorySensor,
	CategoryCompute,
	CategoryConnectivity,
	CategoryDisplay,
	CategoryExtended,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return slices.Contains(Categories, c)
}

// Registry holds the local device's descriptors. Only the owning device
// mutates it; remote peers only evaluate queries against it.
type Registry struct {
	mu      sync.RWMutex
	entries map[Category]ir.Value
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Category]ir.Value)}
}

// Set replaces the descriptor for category.
func (r *Registry) Set(category Category, v ir.Value) error {
	if !category.Valid() {
		return fault.New(fault.CodeInvalidParams, "capability.set", "unknown category %q", category)
	}
	if v == nil {
		return fault.New(fault.CodeInvalidParams, "capability.set", "nil descriptor for %q", category)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[category] = ir.Clone(v)
	return nil
}

// Remove deletes the descriptor for category.
func (r *Registry) Remove(category Category) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, category)
}

// Get returns a copy of the descriptor for category.
func (r *Registry) Get(category Category) (ir.Value, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[category]
	if !ok {
		return nil, false
	}
	return ir.Clone(v), true
}

// Descriptor returns every category as one Object.
func (r *Registry) Descriptor() ir.Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(ir.Object, len(r.entries))
	for c, v := range r.entries {
		out[string(c)] = ir.Clone(v)
	}
	return out
}

// Matches reports whether every predicate holds against the registry.
func (r *Registry) Matches(preds []Predicate) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range preds {
		if !p.eval(r.entries) {
			return false
		}
	}
	return true
}
