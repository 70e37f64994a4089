package task

import (
	"fmt"
	"sync"

	"github.com/peopledoc/cabbage/internal/backoff"
	"github.com/peopledoc/cabbage/internal/store"
)

// Registry maps task names to definitions. It is used on the producer side
// to defer jobs through its bound store, and on the consumer side to resolve
// a claimed job back to code. It also answers the store's retry policy
// lookups, so an explicit Registry instance is passed around instead of any
// process-global table.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	store *store.Store
}

var _ store.PolicyResolver = (*Registry)(nil)

// NewRegistry creates an empty registry. Bind a store before deferring.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Bind attaches the job store that Defer persists through. Binding twice is
// a configuration fault.
func (r *Registry) Bind(st *store.Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store != nil {
		return ErrStoreAlreadyBound
	}
	r.store = st
	return nil
}

func (r *Registry) boundStore() *store.Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store
}

// NewTask builds a task, registers it, and returns it. This is the normal
// way to declare a task at startup.
func (r *Registry) NewTask(name, queue string, fn Func, opts ...Option) (*Task, error) {
	t := &Task{Name: name, Queue: queue, fn: fn, registry: r}
	for _, opt := range opts {
		opt(t)
	}
	if err := r.Register(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Register adds t under its name. Duplicate names fail fast at startup.
func (r *Registry) Register(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.Name]; ok {
		return fmt.Errorf("register task %q: %w", t.Name, ErrDuplicateTask)
	}
	t.registry = r
	r.tasks[t.Name] = t
	return nil
}

// Lookup resolves a task by name.
func (r *Registry) Lookup(name string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", name, ErrTaskNotFound)
	}
	return t, nil
}

// PolicyFor implements store.PolicyResolver. Unknown tasks, and tasks that
// define no retry policy, are non-retryable.
func (r *Registry) PolicyFor(name string) (backoff.Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	if !ok || t.Retry == nil {
		return backoff.Policy{}, false
	}
	return *t.Retry, true
}
