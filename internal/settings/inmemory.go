package settings

import (
	"context"
	"sync"
)

// InMemoryStore keeps settings for the lifetime of the process.
type InMemoryStore struct {
	mu       sync.RWMutex
	defaults Settings
	byUser   map[string]Settings
}

func NewInMemoryStore(defaults Settings) *InMemoryStore {
	return &InMemoryStore{
		defaults: defaults.Normalize(),
		byUser:   make(map[string]Settings),
	}
}

func (s *InMemoryStore) Get(_ context.Context, userID string) (Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.byUser[userID]; ok {
		return v, nil
	}
	return s.defaults, nil
}

func (s *InMemoryStore) Put(_ context.Context, userID string, v Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser[userID] = v.Normalize()
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
