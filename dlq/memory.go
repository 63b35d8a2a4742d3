package dlq

import (
	"context"
	"sort"
	"sync"
)

type entryKey struct {
	eventID string
	group   string
}

// MemoryStore is an in-memory dead-letter store for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[entryKey]*Entry
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[entryKey]*Entry),
	}
}

// Store adds an entry unless one exists for the pair
func (s *MemoryStore) Store(ctx context.Context, entry *Entry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := entryKey{entry.EventID, entry.Group}
	if _, exists := s.entries[k]; exists {
		return nil
	}
	s.entries[k] = entry.clone()
	return nil
}

// Get retrieves an entry
func (s *MemoryStore) Get(ctx context.Context, eventID, group string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[entryKey{eventID, group}]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

// List returns entries matching the filter
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.matching(filter)
	out := make([]*Entry, 0, len(matched))
	for _, e := range filter.page(matched) {
		out = append(out, e.clone())
	}
	return out, nil
}

// Count returns the number of entries matching the filter
func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.matching(filter))), nil
}

// Delete removes an entry
func (s *MemoryStore) Delete(ctx context.Context, eventID, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := entryKey{eventID, group}
	if _, ok := s.entries[k]; !ok {
		return ErrNotFound
	}
	delete(s.entries, k)
	return nil
}

// Stats returns statistics over every entry
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return statsOf(s.matching(Filter{})), nil
}

func (s *MemoryStore) matching(filter Filter) []*Entry {
	var out []*Entry
	for _, e := range s.entries {
		if filter.match(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Compile-time checks
var _ Store = (*MemoryStore)(nil)
var _ StatsProvider = (*MemoryStore)(nil)
