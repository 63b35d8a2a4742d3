package engines

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/basecore/eventpipe/transaction"
)

type rowKey struct {
	eventID string
	line    int
}

// table holds committed rows and keys reserved by open transactions.
type table[V any] struct {
	rows     map[rowKey]V
	reserved map[rowKey]struct{}
}

func newTable[V any]() *table[V] {
	return &table[V]{
		rows:     make(map[rowKey]V),
		reserved: make(map[rowKey]struct{}),
	}
}

// insert stages v on tx. The key is reserved until commit or rollback.
func insert[V any](mu *sync.RWMutex, t *table[V], tx transaction.Transaction, k rowKey, v V) (bool, error) {
	stager, ok := tx.(transaction.Stager)
	if !ok {
		return false, transaction.ErrUnsupportedTransaction
	}

	mu.Lock()
	if _, exists := t.rows[k]; exists {
		mu.Unlock()
		return false, nil
	}
	if _, held := t.reserved[k]; held {
		mu.Unlock()
		return false, nil
	}
	t.reserved[k] = struct{}{}
	mu.Unlock()

	release := func() {
		mu.Lock()
		delete(t.reserved, k)
		mu.Unlock()
	}
	err := stager.Stage(func() {
		mu.Lock()
		defer mu.Unlock()
		delete(t.reserved, k)
		t.rows[k] = v
	})
	if err != nil {
		release()
		return false, err
	}
	stager.OnRollback(release)
	return true, nil
}

func sorted[V any](mu *sync.RWMutex, t *table[V]) []V {
	mu.RLock()
	defer mu.RUnlock()
	keys := make([]rowKey, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].eventID != keys[j].eventID {
			return keys[i].eventID < keys[j].eventID
		}
		return keys[i].line < keys[j].line
	})
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.rows[k])
	}
	return out
}

// MemoryStore keeps engine rows in memory. Writes become visible when the
// memory transaction commits.
type MemoryStore struct {
	mu        sync.RWMutex
	movements *table[StockMovement]
	facts     *table[SalesFact]
	delivery  *table[DeliveryEntry]
	alerts    map[alertKey]StockAlert
}

type alertKey struct {
	tenantID  string
	productID string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		movements: newTable[StockMovement](),
		facts:     newTable[SalesFact](),
		delivery:  newTable[DeliveryEntry](),
		alerts:    make(map[alertKey]StockAlert),
	}
}

func (s *MemoryStore) InsertStockMovement(ctx context.Context, tx transaction.Transaction, m StockMovement) (bool, error) {
	return insert(&s.mu, s.movements, tx, rowKey{m.EventID, m.Line}, m)
}

// StockLevel reads committed movements only.
func (s *MemoryStore) StockLevel(ctx context.Context, tx transaction.Transaction, tenantID, productID string) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest StockMovement
		key    rowKey
		found  bool
	)
	for k, m := range s.movements.rows {
		if m.TenantID != tenantID || m.ProductID != productID || m.QuantityAfter == nil {
			continue
		}
		if found && !newer(m, k, latest, key) {
			continue
		}
		latest, key, found = m, k, true
	}
	if !found {
		return 0, false, nil
	}
	return *latest.QuantityAfter, true, nil
}

func newer(m StockMovement, k rowKey, than StockMovement, thanKey rowKey) bool {
	if !m.OccurredAt.Equal(than.OccurredAt) {
		return m.OccurredAt.After(than.OccurredAt)
	}
	if k.eventID != thanKey.eventID {
		return k.eventID > thanKey.eventID
	}
	return k.line > thanKey.line
}

func (s *MemoryStore) SoldSince(ctx context.Context, tx transaction.Transaction, tenantID, productID string, since time.Time, skipEventID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, m := range s.movements.rows {
		if m.TenantID != tenantID || m.ProductID != productID || m.MovementType != MovementSale {
			continue
		}
		if m.EventID == skipEventID || m.OccurredAt.Before(since) {
			continue
		}
		total -= m.QuantityDelta
	}
	return total, nil
}

func (s *MemoryStore) UpsertStockAlert(ctx context.Context, tx transaction.Transaction, a StockAlert) error {
	stager, ok := tx.(transaction.Stager)
	if !ok {
		return transaction.ErrUnsupportedTransaction
	}
	return stager.Stage(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.alerts[alertKey{a.TenantID, a.ProductID}] = a
	})
}

func (s *MemoryStore) InsertSalesFact(ctx context.Context, tx transaction.Transaction, f SalesFact) (bool, error) {
	return insert(&s.mu, s.facts, tx, rowKey{f.EventID, f.Line}, f)
}

func (s *MemoryStore) InsertDeliveryEntry(ctx context.Context, tx transaction.Transaction, d DeliveryEntry) (bool, error) {
	return insert(&s.mu, s.delivery, tx, rowKey{eventID: d.EventID}, d)
}

// StockMovements returns committed movements ordered by event and line.
func (s *MemoryStore) StockMovements() []StockMovement {
	return sorted(&s.mu, s.movements)
}

// SalesFacts returns committed sales facts ordered by event and line.
func (s *MemoryStore) SalesFacts() []SalesFact {
	return sorted(&s.mu, s.facts)
}

// DeliveryEntries returns committed delivery log rows ordered by event.
func (s *MemoryStore) DeliveryEntries() []DeliveryEntry {
	return sorted(&s.mu, s.delivery)
}

// StockAlerts returns committed alerts ordered by tenant and product.
func (s *MemoryStore) StockAlerts() []StockAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StockAlert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)
