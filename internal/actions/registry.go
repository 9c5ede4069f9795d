package actions

import (
	"fmt"
	"sync"

	"github.com/sendloop/journey/pkg/schema"
)

// Registry holds the available actions keyed by type.
type Registry struct {
	mu      sync.RWMutex
	actions map[schema.ActionType]Action
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[schema.ActionType]Action)}
}

// Register adds an action. Registering the same type twice is an error.
func (r *Registry) Register(a Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[a.Type()]; exists {
		return fmt.Errorf("action %q already registered", a.Type())
	}
	r.actions[a.Type()] = a
	return nil
}

// MustRegister panics on duplicate registration. Intended for wiring at
// startup where a duplicate is a programming error.
func (r *Registry) MustRegister(a Action) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

// Get returns the action for a type.
func (r *Registry) Get(t schema.ActionType) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "no action registered for type %q", t)
	}
	return a, nil
}

// Has reports whether a type is registered.
func (r *Registry) Has(t schema.ActionType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[t]
	return ok
}

// Types returns the registered action types.
func (r *Registry) Types() []schema.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.ActionType, 0, len(r.actions))
	for t := range r.actions {
		out = append(out, t)
	}
	return out
}
