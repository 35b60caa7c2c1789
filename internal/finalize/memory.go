package finalize

import (
	"context"
	"sync"
)

// MemoryStore keeps finalization records in memory. It backs loopback runs
// and tests; the completed-status guard matches the database store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	saves   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Save(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.records[rec.SessionID]; done {
		return nil
	}
	cp := *rec
	s.records[rec.SessionID] = &cp
	s.saves++
	return nil
}

func (s *MemoryStore) Get(sessionID string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	return rec, ok
}

// Saves reports how many distinct records have been persisted.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
