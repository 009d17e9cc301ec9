package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Executor runs a job's payload and returns its opaque output. How a
// payload is executed is deliberately outside the orchestration core; the
// registry only routes by job type.
type Executor interface {
	Execute(ctx context.Context, job *Job) (json.RawMessage, error)
}

type ExecutorFunc func(context.Context, *Job) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, job *Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Registry maps payload types to executors. Its registered type set is the
// capability list a local worker agent advertises.
type Registry struct {
	mu        sync.RWMutex
	executors map[JobType]Executor
}

func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[JobType]Executor),
	}
}

func (r *Registry) Register(t JobType, exec Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[t]; exists {
		return fmt.Errorf("%w: %s", ErrExecutorExists, t)
	}

	r.executors[t] = exec
	return nil
}

func (r *Registry) MustRegister(t JobType, exec Executor) {
	if err := r.Register(t, exec); err != nil {
		panic(err)
	}
}

func (r *Registry) RegisterFunc(t JobType, fn func(context.Context, *Job) (json.RawMessage, error)) error {
	return r.Register(t, ExecutorFunc(fn))
}

func (r *Registry) Get(t JobType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, exists := r.executors[t]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrExecutorNotFound, t)
	}

	return exec, nil
}

func (r *Registry) Execute(ctx context.Context, job *Job) (json.RawMessage, error) {
	exec, err := r.Get(job.Type)
	if err != nil {
		return nil, err
	}

	return exec.Execute(ctx, job)
}

// Types returns the registered payload types.
func (r *Registry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]JobType, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	return types
}
