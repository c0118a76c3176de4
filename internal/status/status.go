// Package status answers "where is my upload" from whatever bookkeeping
// exists for a key. It never waits on detection.
package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/your-org/birdtag/internal/catalog"
	"github.com/your-org/birdtag/internal/media"
	"github.com/your-org/birdtag/internal/results"
	"github.com/your-org/birdtag/internal/tasks"
)

// State is the client-facing progress of one object.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// Record is derived on every read and never stored.
type Record struct {
	Key    string        `json:"key"`
	State  State         `json:"state"`
	Result *media.Result `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

type Service struct {
	catalog catalog.Store
	tasks   tasks.Registry
	results results.Store
}

func NewService(cat catalog.Store, reg tasks.Registry, res results.Store) *Service {
	return &Service{catalog: cat, tasks: reg, results: res}
}

// GetStatus returns media.ErrNotFound for keys nothing has heard of.
func (s *Service) GetStatus(ctx context.Context, key string) (Record, error) {
	rec := Record{Key: key}

	result, err := s.results.Get(ctx, key)
	switch {
	case err == nil:
		rec.State = StateComplete
		rec.Result = &result
		return rec, nil
	case !errors.Is(err, media.ErrNotFound):
		return Record{}, fmt.Errorf("read result: %w", err)
	}

	task, err := s.tasks.Get(ctx, key)
	switch {
	case err == nil:
		switch task.State {
		case tasks.StateFailed:
			rec.State = StateFailed
			rec.Error = task.LastError
		case tasks.StateDispatched:
			rec.State = StateProcessing
		default:
			// succeeded without a result means it was deleted mid-read
			rec.State = StatePending
		}
		return rec, nil
	case !errors.Is(err, media.ErrNotFound):
		return Record{}, fmt.Errorf("read task: %w", err)
	}

	if _, err := s.catalog.Get(ctx, key); err != nil {
		if errors.Is(err, media.ErrNotFound) {
			return Record{}, media.ErrNotFound
		}
		return Record{}, fmt.Errorf("read catalog: %w", err)
	}
	rec.State = StatePending
	return rec, nil
}
