package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/your-org/birdtag/internal/media"
)

// MemoryRegistry is a Registry for single-process deployments and tests.
type MemoryRegistry struct {
	mu    sync.Mutex
	tasks map[string]Task
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{tasks: make(map[string]Task)}
}

func (r *MemoryRegistry) Claim(_ context.Context, key string, mediaType media.Type, now time.Time, lease time.Duration) (Task, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var existing *Task
	if task, ok := r.tasks[key]; ok {
		existing = &task
	}
	task, claimed := decideClaim(existing, key, mediaType, now, lease)
	if claimed {
		r.tasks[key] = task
	}
	return task, claimed, nil
}

func (r *MemoryRegistry) BeginAttempt(_ context.Context, key string, generation int64, now time.Time) (Task, error) {
	var out Task
	err := r.mutate(key, func(task Task) (Task, error) {
		updated, err := applyBegin(task, generation, now)
		out = updated
		return updated, err
	})
	return out, err
}

func (r *MemoryRegistry) RecordAttempt(_ context.Context, key string, generation int64, lastErr string, now time.Time) error {
	return r.mutate(key, func(task Task) (Task, error) {
		return applyAttempt(task, generation, lastErr, now)
	})
}

func (r *MemoryRegistry) Complete(_ context.Context, key string, generation int64, state State, lastErr string, now time.Time) error {
	return r.mutate(key, func(task Task) (Task, error) {
		return applyComplete(task, generation, state, lastErr, now)
	})
}

func (r *MemoryRegistry) mutate(key string, fn func(Task) (Task, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[key]
	if !ok {
		return media.ErrNotFound
	}
	updated, err := fn(task)
	if err != nil {
		return err
	}
	r.tasks[key] = updated
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, key string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[key]
	if !ok {
		return Task{}, media.ErrNotFound
	}
	return task, nil
}

func (r *MemoryRegistry) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, key)
	return nil
}
