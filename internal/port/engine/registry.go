package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/devgodzilla/devgodzilla/internal/domain"
)

// ErrUnknownEngine is returned when an engine id has no registered
// adapter. It wraps domain.ErrValidation.
var ErrUnknownEngine = fmt.Errorf("unknown engine: %w", domain.ErrValidation)

// Registry maps engine ids to adapters. It is an explicit handle, not
// process-wide state; construct one per process and pass it down.
type Registry struct {
	mu        sync.RWMutex
	engines   map[string]Engine
	defaultID string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds an engine. Duplicate ids panic, matching the adapter
// init discipline: registration happens once at startup.
func (r *Registry) Register(e Engine, isDefault bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := e.Metadata().ID
	if _, exists := r.engines[id]; exists {
		panic(fmt.Sprintf("engine: duplicate registration for %q", id))
	}
	r.engines[id] = e
	if isDefault || r.defaultID == "" {
		r.defaultID = id
	}
}

// Get resolves an engine by id.
func (r *Registry) Get(id string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.engines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, id)
	}
	return e, nil
}

// Default returns the default engine.
func (r *Registry) Default() (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.defaultID == "" {
		return nil, fmt.Errorf("%w: no engines registered", domain.ErrValidation)
	}
	return r.engines[r.defaultID], nil
}

// DefaultID returns the id of the default engine, or "".
func (r *Registry) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}

// ListMetadata returns metadata for all registered engines, sorted by id.
func (r *Registry) ListMetadata() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Metadata, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
