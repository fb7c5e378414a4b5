package history

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

func newID() string { return uuid.NewString() }

// InMemoryStore keeps the most recent records in process.
type InMemoryStore struct {
	mu      sync.RWMutex
	limit   int
	records []Record
}

func NewInMemoryStore(limit int) *InMemoryStore {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &InMemoryStore{limit: limit}
}

func (s *InMemoryStore) Save(_ context.Context, record Record) error {
	record, err := normalize(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	if over := len(s.records) - s.limit; over > 0 {
		s.records = append([]Record(nil), s.records[over:]...)
	}
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]Record, 0, limit)
	for i := len(s.records) - 1; i >= len(s.records)-limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
