package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/basecore/eventpipe"
	"github.com/basecore/eventpipe/transaction"
)

// MemoryStore is an in-memory Store for tests and local runs.
// Inserts are staged on a transaction.Stager and become visible on commit.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*Event
	seq    int64
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*Event),
		now:    time.Now,
	}
}

// Insert stages the event on tx.
func (s *MemoryStore) Insert(ctx context.Context, tx transaction.Transaction, ev *Event) error {
	stager, ok := tx.(transaction.Stager)
	if !ok {
		return transaction.ErrUnsupportedTransaction
	}
	row := *ev
	row.Payload = append([]byte(nil), ev.Payload...)
	return stager.Stage(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.seq++
		row.seq = s.seq
		s.events[row.ID] = &row
	})
}

// FetchPending returns copies of pending events, oldest first.
func (s *MemoryStore) FetchPending(ctx context.Context, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := s.pending()
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]*Event, len(pending))
	for i, ev := range pending {
		out[i] = ev.copy()
	}
	return out, nil
}

// MarkPublished marks every id published, or none if any is not pending.
func (s *MemoryStore) MarkPublished(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conflicts []string
	for _, id := range ids {
		ev, ok := s.events[id]
		if !ok || !ev.Pending() {
			conflicts = append(conflicts, id)
		}
	}
	if len(conflicts) > 0 {
		return &eventpipe.PublishConflictError{IDs: conflicts}
	}

	now := s.now().UTC()
	for _, id := range ids {
		published := now
		s.events[id].PublishedAt = &published
	}
	return nil
}

// OldestPending returns the creation time of the oldest pending event.
func (s *MemoryStore) OldestPending(ctx context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := s.pending()
	if len(pending) == 0 {
		return time.Time{}, false, nil
	}
	return pending[0].CreatedAt, true, nil
}

// PendingCount returns the number of pending events.
func (s *MemoryStore) PendingCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.pending())), nil
}

// Get returns a copy of an event by id.
func (s *MemoryStore) Get(id string) (*Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, false
	}
	return ev.copy(), true
}

// Len returns the number of stored events, published or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *MemoryStore) pending() []*Event {
	var pending []*Event
	for _, ev := range s.events {
		if ev.Pending() {
			pending = append(pending, ev)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].seq < pending[j].seq
	})
	return pending
}

func (e *Event) copy() *Event {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	if e.PublishedAt != nil {
		t := *e.PublishedAt
		c.PublishedAt = &t
	}
	return &c
}

// Compile-time checks
var _ Store = (*MemoryStore)(nil)
