package messaging

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/basecore/eventpipe/transaction"
)

type optOutKey struct {
	tenantID string
	phone    string
}

// MemoryStore keeps notifier state in memory. Writes become visible when
// the memory transaction commits.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]OutboundMessage
	reserved map[string]struct{}
	optOuts  map[optOutKey]OptOut
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]OutboundMessage),
		reserved: make(map[string]struct{}),
		optOuts:  make(map[optOutKey]OptOut),
	}
}

// QueueOutbound stages a message, one per event.
func (s *MemoryStore) QueueOutbound(ctx context.Context, tx transaction.Transaction, msg OutboundMessage) (bool, error) {
	stager, ok := tx.(transaction.Stager)
	if !ok {
		return false, transaction.ErrUnsupportedTransaction
	}
	msg.Params = maps.Clone(msg.Params)

	s.mu.Lock()
	_, exists := s.messages[msg.EventID]
	_, held := s.reserved[msg.EventID]
	if exists || held {
		s.mu.Unlock()
		return false, nil
	}
	s.reserved[msg.EventID] = struct{}{}
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.reserved, msg.EventID)
		s.mu.Unlock()
	}
	err := stager.Stage(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.reserved, msg.EventID)
		s.messages[msg.EventID] = msg
	})
	if err != nil {
		release()
		return false, err
	}
	stager.OnRollback(release)
	return true, nil
}

// RecordOptOut stages an opt-out upsert.
func (s *MemoryStore) RecordOptOut(ctx context.Context, tx transaction.Transaction, o OptOut) error {
	stager, ok := tx.(transaction.Stager)
	if !ok {
		return transaction.ErrUnsupportedTransaction
	}
	return stager.Stage(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.optOuts[optOutKey{o.TenantID, o.Phone}] = o
	})
}

// IsOptedOut checks committed opt-outs.
func (s *MemoryStore) IsOptedOut(ctx context.Context, tx transaction.Transaction, tenantID, phone string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.optOuts[optOutKey{tenantID, phone}]
	return ok, nil
}

// GetOutbound reads committed messages only.
func (s *MemoryStore) GetOutbound(ctx context.Context, tx transaction.Transaction, id string) (*OutboundMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.ID == id {
			m.Params = maps.Clone(m.Params)
			return &m, nil
		}
	}
	return nil, ErrMessageNotFound
}

// MarkSent stages the status change.
func (s *MemoryStore) MarkSent(ctx context.Context, tx transaction.Transaction, id, providerMessageID string, at time.Time) error {
	stager, ok := tx.(transaction.Stager)
	if !ok {
		return transaction.ErrUnsupportedTransaction
	}
	return stager.Stage(func() {
		s.update(id, func(m *OutboundMessage) {
			m.Status = StatusSent
			m.ProviderMessageID = providerMessageID
			m.LastError = ""
			m.SentAt = &at
		})
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id, reason string) error {
	found := s.update(id, func(m *OutboundMessage) {
		if m.Status != StatusSent {
			m.Status = StatusFailed
			m.LastError = reason
		}
	})
	if !found {
		return ErrMessageNotFound
	}
	return nil
}

func (s *MemoryStore) update(id string, fn func(*OutboundMessage)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, m := range s.messages {
		if m.ID == id {
			fn(&m)
			s.messages[key] = m
			return true
		}
	}
	return false
}

// Messages returns committed messages ordered by creation time.
func (s *MemoryStore) Messages() []OutboundMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OutboundMessage, 0, len(s.messages))
	for _, m := range s.messages {
		m.Params = maps.Clone(m.Params)
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)
