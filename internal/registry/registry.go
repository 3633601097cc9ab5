// Package registry maps task kinds to their executors. Workers resolve the
// executor for each claimed task at dispatch time; an unknown kind is an
// execution failure, subject to the normal retry policy.
package registry

import (
	"context"
	"fmt"
)

// Executor runs one attempt of a task. The config map is the task's frozen
// payload snapshot; attempt is 1-based.
type Executor interface {
	Execute(ctx context.Context, config map[string]any, attempt int) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, config map[string]any, attempt int) error

func (f ExecutorFunc) Execute(ctx context.Context, config map[string]any, attempt int) error {
	return f(ctx, config, attempt)
}

// Registry maps task kinds to Executors.
type Registry struct {
	executors map[string]Executor
}

func New() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func (r *Registry) Register(kind string, e Executor) {
	r.executors[kind] = e
}

func (r *Registry) Lookup(kind string) (Executor, error) {
	e, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("no executor registered for kind: %q", kind)
	}
	return e, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.executors))
	for n := range r.executors {
		names = append(names, n)
	}
	return names
}

// Default returns a registry with the built-in executors registered.
func Default() *Registry {
	r := New()
	r.Register("noop", Noop{})
	r.Register("flaky", Flaky{})
	return r
}
