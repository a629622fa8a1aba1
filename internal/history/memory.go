package history

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements Store with an in-process slice.
// It backs keyless development setups and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Insert appends one record.
func (s *MemoryStore) Insert(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *rec
	s.records = append(s.records, &clone)
	return nil
}

// Recent returns up to limit records ordered newest first.
func (s *MemoryStore) Recent(_ context.Context, userID *string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Record
	for _, rec := range s.records {
		if userID != nil {
			if rec.UserID == nil || *rec.UserID != *userID {
				continue
			}
		}
		matched = append(matched, rec)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*Record, len(matched))
	for i, rec := range matched {
		clone := *rec
		out[i] = &clone
	}
	return out, nil
}

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Ping always succeeds for the memory backend.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op for the memory backend.
func (s *MemoryStore) Close() error {
	return nil
}
