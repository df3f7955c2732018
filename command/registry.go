package command

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/effects"
)

// Grants is how handlers request delegated role grants. The state machine
// implements it and tags every grant with the owning StepState id.
type Grants interface {
	Grant(ctx context.Context, roleID, userID string) error
}

// Env is what a handler sees of the step and the transition it runs for.
// A nil State means structural validation only.
type Env struct {
	Tx       stepflow.Tx
	Workflow *stepflow.Workflow
	Step     *stepflow.Step
	State    *stepflow.StepState

	// PreviousComment is the comment carried over from the state that was left
	// to enter State: the finished step's comment, or the synthesized jump text.
	PreviousComment string

	Grants   Grants
	Effects  *effects.Queue
	Notifier stepflow.Notifier
}

// Contextual reports whether the env carries a live transition
func (e *Env) Contextual() bool {
	return e.State != nil
}

// Handler implements one command
type Handler interface {
	Name() string

	// Parse validates args against env and returns the parsed data plus any
	// script problems. err is reserved for persistence failures.
	Parse(ctx context.Context, env *Env, args string) (data any, problems []string, err error)

	// Execute re-parses args and performs the effect
	Execute(ctx context.Context, env *Env, args string) error
}

// Registry maps command names to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// DefaultRegistry returns a registry with every built-in command
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(AssignRole{})
	r.MustRegister(Email{})
	r.MustRegister(SetCourseVisibility{})
	r.MustRegister(SetActivityVisibility{})
	r.MustRegister(Override{})
	r.MustRegister(SetActivitySetting{})
	return r
}

// Register installs a handler. Returns an error if the name already exists.
func (r *Registry) Register(h Handler) error {
	if h == nil || h.Name() == "" {
		return fmt.Errorf("command: handler name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Name()]; exists {
		return fmt.Errorf("command: %s already registered", h.Name())
	}
	r.handlers[h.Name()] = h
	return nil
}

// MustRegister panics if registration fails
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for name
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists the registered command names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
