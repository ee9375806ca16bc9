package sessionctx

import (
	"context"
	"sync"
)

// MemoryStore in-memory хранилище токенов. Одна блокировка на всю карту:
// операции O(1) и держат её недолго.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string][]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string][]int),
	}
}

func (s *MemoryStore) Get(ctx context.Context, sessionID string) ([]int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, ok := s.tokens[sessionID]
	if !ok {
		return nil, false, nil
	}
	return cloneTokens(tokens), true, nil
}

func (s *MemoryStore) Set(ctx context.Context, sessionID string, tokens []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[sessionID] = cloneTokens(tokens)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, sessionID)
	return nil
}

func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
