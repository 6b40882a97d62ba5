// Package memory implements an in-memory blob store for tests.
package memory

import (
	"context"
	"sync"
	"time"

	"provcore/internal/blob/core"
)

type blobEntry struct {
	data       []byte
	modifiedAt time.Time
}

// Store implements core.Store backed by process memory. Intended for tests.
type Store struct {
	mu   sync.RWMutex
	objs map[string]blobEntry
}

// New returns an in-memory blob store.
func New() *Store { return &Store{objs: make(map[string]blobEntry)} }

// Driver returns the blob driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverMemory }

// Exists reports whether the key is present.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objs[key]
	return ok, nil
}

// Read returns a copy of the stored bytes.
func (s *Store) Read(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	obj, ok := s.objs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, &core.NotFoundError{Key: key}
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

// Write stores a copy of data under key, replacing any previous blob.
func (s *Store) Write(_ context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.objs[key] = blobEntry{data: cp, modifiedAt: time.Now().UTC()}
	s.mu.Unlock()
	return nil
}

// ModifiedAt returns the last write time of the blob at key.
func (s *Store) ModifiedAt(_ context.Context, key string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objs[key]
	if !ok {
		return time.Time{}, &core.NotFoundError{Key: key}
	}
	return obj.modifiedAt, nil
}
