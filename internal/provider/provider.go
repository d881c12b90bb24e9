// Package provider defines the capability interface between the
// reconciliation engine and concrete infrastructure backends.
//
// An Adapter implements create/read/update/delete for one resource kind.
// Adapters are responsible for idempotent semantics: a Create that races
// with an existing resource must adopt it by natural key rather than
// produce a duplicate, and Delete of a missing resource succeeds.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned by Read when no resource exists for the given
// provider identifier.
var ErrNotFound = errors.New("resource not found")

// Remote describes a resource as known to the provider after an
// operation: its provider-assigned identifier, the attributes actually
// in effect, and the outputs other resources may reference.
type Remote struct {
	ID         string
	Attributes map[string]any
	Outputs    map[string]any
}

// Schema carries the per-kind diff hints the plan engine needs.
type Schema struct {
	// ForceNew lists attribute keys whose change requires replacing the
	// resource instead of updating it in place.
	ForceNew []string
	// CreateBeforeDelete indicates the provider supports zero-downtime
	// substitution, so a replacement creates the new resource first.
	CreateBeforeDelete bool
}

// Adapter is the per-kind capability interface. All operations must be
// safely retriable.
type Adapter interface {
	Schema() Schema
	Create(ctx context.Context, attrs map[string]any) (*Remote, error)
	Read(ctx context.Context, id string) (*Remote, error)
	Update(ctx context.Context, id string, attrs map[string]any) (*Remote, error)
	Delete(ctx context.Context, id string) error
}

// Registry maps resource kinds to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to a kind. Registering a kind twice is a
// programming error and fails.
func (r *Registry) Register(kind string, a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[kind]; ok {
		return fmt.Errorf("adapter for kind %q already registered", kind)
	}
	r.adapters[kind] = a
	return nil
}

// Lookup returns the adapter for kind.
func (r *Registry) Lookup(kind string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("no provider adapter registered for kind %q", kind)
	}
	return a, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
