package store

import (
	"context"
	"sync"
	"time"

	"troupe/internal/domain"
)

type memoryEntry struct {
	token     string
	updatedAt time.Time
}

// MemoryTokenStore implements domain.TokenStore with an in-process map.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]map[string]memoryEntry // session -> key -> entry
	now    func() time.Time
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		tokens: make(map[string]map[string]memoryEntry),
		now:    time.Now,
	}
}

// Get implements domain.TokenStore.
func (s *MemoryTokenStore) Get(_ context.Context, sessionID, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tokens[sessionID][key]
	return e.token, ok, nil
}

// Put implements domain.TokenStore. An empty token removes the entry.
func (s *MemoryTokenStore) Put(ctx context.Context, sessionID, key, token string) error {
	if token == "" {
		return s.Delete(ctx, sessionID, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.tokens[sessionID]
	if !ok {
		m = make(map[string]memoryEntry)
		s.tokens[sessionID] = m
	}
	m[key] = memoryEntry{token: token, updatedAt: s.now()}
	return nil
}

// Delete implements domain.TokenStore.
func (s *MemoryTokenStore) Delete(_ context.Context, sessionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.tokens[sessionID]
	if !ok {
		return nil
	}
	delete(m, key)
	if len(m) == 0 {
		delete(s.tokens, sessionID)
	}
	return nil
}

// DeleteSession implements domain.TokenStore.
func (s *MemoryTokenStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, sessionID)
	return nil
}

// PruneBefore removes every token last written before cutoff.
func (s *MemoryTokenStore) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for sid, m := range s.tokens {
		for key, e := range m {
			if e.updatedAt.Before(cutoff) {
				delete(m, key)
				n++
			}
		}
		if len(m) == 0 {
			delete(s.tokens, sid)
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *MemoryTokenStore) Close() error { return nil }

var _ domain.TokenStore = (*MemoryTokenStore)(nil)
