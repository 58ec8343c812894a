package storage

import (
	"context"
	"errors"
	"sync"
)

type memoryStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	closed bool
}

// NewMemory returns a process-local Store. Values are copied on the way in
// and out so callers cannot alias the stored bytes.
func NewMemory() Store {
	return &memoryStore{data: map[string][]byte{}}
}

func (s *memoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *memoryStore) Update(ctx context.Context, key string, fn UpdateFunc) ([]byte, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	cur, ok := s.data[key]
	next, err := fn(append([]byte(nil), cur...), ok)
	if errors.Is(err, ErrNoChange) {
		return append([]byte(nil), cur...), nil
	}
	if err != nil {
		return nil, err
	}
	if next == nil {
		delete(s.data, key)
		return nil, nil
	}
	s.data[key] = append([]byte(nil), next...)
	return next, nil
}

func (s *memoryStore) Delete(ctx context.Context, keys ...string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
