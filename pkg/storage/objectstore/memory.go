package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnavailable is returned by a Memory store marked down.
var ErrUnavailable = errors.New("object store unavailable")

type memObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// Memory is an in-process Client for local development and tests. Presigned
// URLs point at a fake host and cannot be dereferenced.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
	down    atomic.Bool
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

// SetAvailable toggles whether calls succeed.
func (m *Memory) SetAvailable(ok bool) {
	m.down.Store(!ok)
}

func (m *Memory) check() error {
	if m.down.Load() {
		return ErrUnavailable
	}
	return nil
}

func (m *Memory) PresignPost(_ context.Context, p PostPolicy) (string, map[string]string, error) {
	if err := m.check(); err != nil {
		return "", nil, err
	}
	return "http://memory.local/upload", map[string]string{
		"key":     p.Key,
		"expires": p.Expires.UTC().Format(time.RFC3339),
	}, nil
}

func (m *Memory) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	if err := m.check(); err != nil {
		return "", err
	}
	return fmt.Sprintf("http://memory.local/%s?expires=%d", url.PathEscape(key), int(expiry.Seconds())), nil
}

func (m *Memory) Put(_ context.Context, key string, reader io.Reader, _ int64, contentType string, _ map[string]string) error {
	if err := m.check(); err != nil {
		return err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read object body: %w", err)
	}
	m.mu.Lock()
	m.objects[key] = memObject{data: data, contentType: contentType, modified: time.Now().UTC()}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (io.ReadCloser, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *Memory) Stat(_ context.Context, key string) (*ObjectInfo, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrObjectNotFound
	}
	return &ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		LastModified: obj.modified,
	}, nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	if err := m.check(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Ping(context.Context) error {
	return m.check()
}

func (m *Memory) Close() error { return nil }

// Keys lists stored keys in order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
