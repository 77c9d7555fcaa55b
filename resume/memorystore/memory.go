// Package memorystore provides an in-memory resume.Store. The cursor
// does not survive process restart; it is intended for tests and for
// callers that accept replaying the stream from the live position after
// a restart.
package memorystore

import (
	"context"
	"sync"
)

type Store struct {
	mu sync.Mutex
	id string
}

func New() *Store {
	return &Store{}
}

func (s *Store) Load(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, nil
}

func (s *Store) Save(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
	return nil
}
