package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	data      Data
	expiresAt time.Time
}

// MemoryStore is the single-process Store used when no Redis is configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]memoryEntry{}, now: time.Now}
}

func (s *MemoryStore) Save(_ context.Context, tokenHash string, data Data, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data.CreatedAt.IsZero() {
		data.CreatedAt = s.now()
	}
	s.entries[tokenHash] = memoryEntry{data: data, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) Lookup(_ context.Context, tokenHash string) (Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[tokenHash]
	if !ok {
		return Data{}, ErrNotFound
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.entries, tokenHash)
		return Data{}, ErrNotFound
	}
	return entry.data, nil
}

func (s *MemoryStore) Revoke(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, tokenHash)
	return nil
}
