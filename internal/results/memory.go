package results

import (
	"context"
	"sort"
	"sync"

	"github.com/your-org/birdtag/internal/media"
)

type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]media.Result
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]media.Result)}
}

func (s *MemoryStore) Put(_ context.Context, result media.Result) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.results[result.Key]; ok && !supersedes(result, existing) {
		return false, nil
	}
	s.results[result.Key] = clone(result)
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (media.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[key]
	if !ok {
		return media.Result{}, media.ErrNotFound
	}
	return clone(result), nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.results, key)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]media.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]media.Result, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
