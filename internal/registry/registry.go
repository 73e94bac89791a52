// Package registry tracks the suggestion managers available to the process
// and which one is active.
package registry

import (
	"slices"
	"sync"

	"suggestions/engine/internal/signal"
	"suggestions/engine/internal/suggestion"
)

type Registry struct {
	mu       sync.Mutex
	managers map[string]suggestion.Manager
	activeID string

	registered *signal.Signal[string]
	changed    *signal.Signal[suggestion.Manager]
}

func New() *Registry {
	return &Registry{
		managers:   map[string]suggestion.Manager{},
		registered: signal.New[string](),
		changed:    signal.New[suggestion.Manager](),
	}
}

// Registered emits the id of every newly registered manager.
func (r *Registry) Registered() *signal.Signal[string] { return r.registered }

// Changed emits the manager that just became active.
func (r *Registry) Changed() *signal.Signal[suggestion.Manager] { return r.changed }

// Register adds m under id. It reports false if id is already taken.
func (r *Registry) Register(id string, m suggestion.Manager) bool {
	r.mu.Lock()
	if _, exists := r.managers[id]; exists || m == nil {
		r.mu.Unlock()
		return false
	}
	r.managers[id] = m
	r.registered.Queue(id)
	r.mu.Unlock()
	r.registered.Flush()
	return true
}

// SetManager activates the manager registered under id. Re-activating the
// active manager still emits Changed.
func (r *Registry) SetManager(id string) bool {
	r.mu.Lock()
	m, ok := r.managers[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.activeID = id
	r.changed.Queue(m)
	r.mu.Unlock()
	r.changed.Flush()
	return true
}

func (r *Registry) ActivatedManager() (suggestion.Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[r.activeID]
	return m, ok
}

func (r *Registry) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

func (r *Registry) Get(id string) (suggestion.Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[id]
	return m, ok
}

// Managers returns the registered ids in sorted order.
func (r *Registry) Managers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.managers))
	for id := range r.managers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Dispose disposes every manager and empties the registry.
func (r *Registry) Dispose() {
	r.mu.Lock()
	managers := r.managers
	r.managers = map[string]suggestion.Manager{}
	r.activeID = ""
	r.mu.Unlock()
	for _, m := range managers {
		m.Dispose()
	}
}
