package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/basecore/eventpipe/transaction"
)

type key struct {
	eventID string
	group   string
}

// MemoryStore is an in-memory ledger for tests and local runs.
//
// MarkProcessedTx reserves the key immediately, the way a unique index
// holds a row lock, so a second transaction for the same key sees a
// conflict. The record becomes visible on commit; a rollback releases the
// reservation.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[key]Record
	reserved map[key]struct{}
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[key]Record),
		reserved: make(map[key]struct{}),
		now:      time.Now,
	}
}

// IsProcessed reports whether the committed ledger holds the pair.
func (s *MemoryStore) IsProcessed(ctx context.Context, eventID, group string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[key{eventID, group}]
	return ok, nil
}

// MarkProcessedTx stages the record on a memory transaction.
func (s *MemoryStore) MarkProcessedTx(ctx context.Context, tx transaction.Transaction, rec Record) (bool, error) {
	if err := rec.validate(); err != nil {
		return false, err
	}
	stager, ok := tx.(transaction.Stager)
	if !ok {
		return false, transaction.ErrUnsupportedTransaction
	}
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = s.now().UTC()
	}
	rec.Result = append(json.RawMessage(nil), rec.Result...)

	k := key{rec.EventID, rec.Group}
	s.mu.Lock()
	if _, done := s.records[k]; done {
		s.mu.Unlock()
		return false, nil
	}
	if _, held := s.reserved[k]; held {
		s.mu.Unlock()
		return false, nil
	}
	s.reserved[k] = struct{}{}
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.reserved, k)
		s.mu.Unlock()
	}
	err := stager.Stage(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.reserved, k)
		s.records[k] = rec
	})
	if err != nil {
		release()
		return false, err
	}
	stager.OnRollback(release)
	return true, nil
}

// Get returns a copy of the committed record for the pair.
func (s *MemoryStore) Get(ctx context.Context, eventID, group string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key{eventID, group}]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Result = append(json.RawMessage(nil), rec.Result...)
	return &rec, nil
}

// Count returns the number of committed records for group.
func (s *MemoryStore) Count(ctx context.Context, group string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for k := range s.records {
		if k.group == group {
			n++
		}
	}
	return n, nil
}

// Len returns the number of committed records across all groups.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)
