package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/your-org/birdtag/internal/media"
)

// MemoryStore keeps the catalog in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]media.Object
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]media.Object)}
}

func (s *MemoryStore) Register(_ context.Context, obj media.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[obj.Key]; ok {
		return ErrExists
	}
	s.objects[obj.Key] = obj
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (media.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return media.Object{}, media.ErrNotFound
	}
	return obj, nil
}

func (s *MemoryStore) Consume(_ context.Context, key string, now time.Time, enforceExpiry bool) (media.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return media.Object{}, media.ErrNotFound
	}
	updated, err := consume(obj, now, enforceExpiry)
	if err != nil {
		return updated, err
	}
	s.objects[key] = updated
	return updated, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return media.ErrNotFound
	}
	obj.WrittenAt = time.Time{}
	s.objects[key] = obj
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}
