package transaction

import (
	"context"
	"errors"
	"sync"
)

// ErrTransactionDone is returned when a finished memory transaction is used.
var ErrTransactionDone = errors.New("transaction already committed or rolled back")

// Stager is implemented by transactions that buffer writes until commit.
// In-memory stores register their mutations with Stage so a rollback
// discards them and a commit applies all of them together.
type Stager interface {
	Transaction
	Stage(apply func()) error
	// OnRollback registers a callback run if the transaction rolls back.
	OnRollback(fn func())
}

// MemoryTransaction buffers staged writes and applies them on Commit.
type MemoryTransaction struct {
	mu      sync.Mutex
	commit  *sync.Mutex
	staged  []func()
	done    bool
	onAbort []func()
}

// Stage registers a write applied when the transaction commits.
func (t *MemoryTransaction) Stage(apply func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTransactionDone
	}
	t.staged = append(t.staged, apply)
	return nil
}

// OnRollback registers a callback run if the transaction rolls back.
func (t *MemoryTransaction) OnRollback(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAbort = append(t.onAbort, fn)
}

// Commit applies every staged write under the manager's commit lock.
func (t *MemoryTransaction) Commit() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrTransactionDone
	}
	t.done = true
	staged := t.staged
	t.staged = nil
	t.mu.Unlock()

	t.commit.Lock()
	defer t.commit.Unlock()
	for _, apply := range staged {
		apply()
	}
	return nil
}

// Rollback discards staged writes.
func (t *MemoryTransaction) Rollback() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	t.done = true
	t.staged = nil
	aborts := t.onAbort
	t.onAbort = nil
	t.mu.Unlock()

	for _, fn := range aborts {
		fn()
	}
	return nil
}

// MemoryManager creates MemoryTransactions. Commits are serialized so the
// writes of one transaction are applied atomically with respect to others.
type MemoryManager struct {
	commit sync.Mutex
}

// NewMemoryManager creates a memory transaction manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{}
}

// Begin starts a new memory transaction.
func (m *MemoryManager) Begin(ctx context.Context) (Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &MemoryTransaction{commit: &m.commit}, nil
}

// Execute runs fn within a memory transaction.
func (m *MemoryManager) Execute(ctx context.Context, fn func(tx Transaction) error) error {
	return execute(ctx, m, fn)
}

// Compile-time checks
var _ Stager = (*MemoryTransaction)(nil)
var _ Manager = (*MemoryManager)(nil)
