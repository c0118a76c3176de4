// Package tasks tracks one DetectionTask per media object. Claim is the only
// way into the dispatched state and is atomic per key. Every claim bumps the
// task generation; owner-side writes carry the generation they claimed and
// fail with ErrLeaseLost once someone else has taken the task over.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/your-org/birdtag/internal/media"
)

// State is the lifecycle position of a DetectionTask.
type State string

const (
	StatePending    State = "pending"
	StateDispatched State = "dispatched"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

var (
	// ErrInvalidTransition is returned when a state change is not permitted.
	ErrInvalidTransition = errors.New("invalid task state transition")
	// ErrLeaseLost is returned to a former owner after the task was reclaimed.
	ErrLeaseLost = errors.New("task lease lost")
)

var allowedTransitions = map[State][]State{
	"":              {StatePending},
	StatePending:    {StateDispatched, StateFailed},
	StateDispatched: {StateDispatched, StateSucceeded, StateFailed},
	StateSucceeded:  {},
	StateFailed:     {},
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

func canTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is the per-object detection bookkeeping record.
type Task struct {
	Key        string     `json:"key"`
	MediaType  media.Type `json:"media_type"`
	Attempts   int        `json:"attempts"`
	State      State      `json:"state"`
	LastError  string     `json:"last_error,omitempty"`
	Generation int64      `json:"generation"` // bumped by every successful Claim
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Registry stores tasks keyed by object key.
type Registry interface {
	// Claim atomically decides whether the caller may run detection for key.
	// It returns the task as stored after the decision and whether the claim
	// was granted. A dispatched task whose last update is older than lease is
	// considered abandoned and may be reclaimed.
	Claim(ctx context.Context, key string, mediaType media.Type, now time.Time, lease time.Duration) (Task, bool, error)
	// BeginAttempt reserves the next attempt for the owner of generation and
	// refreshes the lease. The attempt counts even if the caller dies during it.
	BeginAttempt(ctx context.Context, key string, generation int64, now time.Time) (Task, error)
	// RecordAttempt stores the outcome of the running attempt and refreshes
	// the lease.
	RecordAttempt(ctx context.Context, key string, generation int64, lastErr string, now time.Time) error
	// Complete moves a dispatched task to succeeded or failed.
	Complete(ctx context.Context, key string, generation int64, state State, lastErr string, now time.Time) error
	Get(ctx context.Context, key string) (Task, error)
	Delete(ctx context.Context, key string) error
}

// decideClaim is the check-then-act rule shared by every Registry backend.
// existing is nil when no task has been recorded yet.
func decideClaim(existing *Task, key string, mediaType media.Type, now time.Time, lease time.Duration) (Task, bool) {
	if existing == nil {
		return Task{
			Key:        key,
			MediaType:  mediaType,
			State:      StateDispatched,
			Generation: 1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}, true
	}

	task := *existing
	switch task.State {
	case StatePending:
		task.State = StateDispatched
		task.Generation++
		task.UpdatedAt = now
		return task, true
	case StateDispatched:
		if lease > 0 && now.Sub(task.UpdatedAt) > lease {
			task.Generation++
			task.UpdatedAt = now
			return task, true
		}
		return task, false
	default:
		return task, false
	}
}

func owned(task Task, generation int64) error {
	if task.Generation != generation {
		return fmt.Errorf("%w: %s claimed as generation %d, now %d", ErrLeaseLost, task.Key, generation, task.Generation)
	}
	return nil
}

func applyBegin(task Task, generation int64, now time.Time) (Task, error) {
	if err := owned(task, generation); err != nil {
		return task, err
	}
	if task.State != StateDispatched {
		return task, fmt.Errorf("%w: begin attempt in %s", ErrInvalidTransition, task.State)
	}
	task.Attempts++
	task.UpdatedAt = now
	return task, nil
}

func applyAttempt(task Task, generation int64, lastErr string, now time.Time) (Task, error) {
	if err := owned(task, generation); err != nil {
		return task, err
	}
	if task.State != StateDispatched {
		return task, fmt.Errorf("%w: record attempt in %s", ErrInvalidTransition, task.State)
	}
	task.LastError = lastErr
	task.UpdatedAt = now
	return task, nil
}

func applyComplete(task Task, generation int64, state State, lastErr string, now time.Time) (Task, error) {
	if err := owned(task, generation); err != nil {
		return task, err
	}
	if !state.Terminal() || !canTransition(task.State, state) {
		return task, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.State, state)
	}
	task.State = state
	task.LastError = lastErr
	task.UpdatedAt = now
	return task, nil
}
