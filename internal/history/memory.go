package history

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string
	closed  bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

var errClosed = errors.New("history store closed")

func (s *MemoryStore) Save(_ context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if _, exists := s.records[r.ID]; exists {
		return fmt.Errorf("detection record %s already exists", r.ID)
	}
	s.records[r.ID] = r
	s.order = append(s.order, r.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]Record, error) {
	return s.list(limit, func(r Record) bool { return r.UserID != nil && *r.UserID == userID }), nil
}

func (s *MemoryStore) ListAnonymous(_ context.Context, limit int) ([]Record, error) {
	return s.list(limit, Record.Anonymous), nil
}

func (s *MemoryStore) list(limit int, keep func(Record) bool) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Record{}
	for _, id := range slices.Backward(s.order) {
		r := s.records[id]
		if !keep(r) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (s *MemoryStore) DeleteByUser(_ context.Context, userID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []Record
	kept := s.order[:0]
	for _, id := range s.order {
		r := s.records[id]
		if r.UserID != nil && *r.UserID == userID {
			removed = append(removed, r)
			delete(s.records, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
