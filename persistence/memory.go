package persistence

import (
	"context"
	"sort"
	"sync"
)

// MemoryConversationStore is an in-memory ConversationStore for tests and
// ephemeral runs.
type MemoryConversationStore struct {
	mu      sync.RWMutex
	records map[string]Record
	closed  bool
}

// NewMemoryConversationStore creates an empty store.
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{records: make(map[string]Record)}
}

func (s *MemoryConversationStore) Save(_ context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	rec.Data = append([]byte(nil), rec.Data...)
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryConversationStore) Load(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Record{}, ErrStoreClosed
	}
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryConversationStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryConversationStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryConversationStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// MemoryDedupStore is an in-memory DedupStore.
type MemoryDedupStore struct {
	mu     sync.Mutex
	ids    []string
	saves  int
	closed bool
}

// NewMemoryDedupStore creates an empty store.
func NewMemoryDedupStore() *MemoryDedupStore {
	return &MemoryDedupStore{}
}

func (s *MemoryDedupStore) LoadIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if len(s.ids) == 0 {
		return nil, nil
	}
	return append([]string(nil), s.ids...), nil
}

func (s *MemoryDedupStore) SaveIDs(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.ids = append([]string(nil), ids...)
	s.saves++
	return nil
}

// Saves returns how many snapshots were written.
func (s *MemoryDedupStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryDedupStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryDedupStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}
