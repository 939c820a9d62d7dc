package presence

import (
	"context"
	"sync"
)

// MemoryStore is a process-local presence store. One entry per user; a
// later SetOnline overwrites the earlier connection id.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]string),
	}
}

func (s *MemoryStore) SetOnline(ctx context.Context, userID, connectionID string) error {
	s.mu.Lock()
	s.entries[userID] = connectionID
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	_, ok := s.entries[userID]
	s.mu.RUnlock()
	return ok, nil
}

func (s *MemoryStore) Clear(ctx context.Context, userID string) error {
	s.mu.Lock()
	delete(s.entries, userID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ClearIfCurrent(ctx context.Context, userID, connectionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.entries[userID]; !ok || current != connectionID {
		return false, nil
	}
	delete(s.entries, userID)
	return true, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}
