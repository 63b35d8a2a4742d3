// Package transaction scopes the writes that must commit together.
//
// The outbox writer appends an event inside the caller's business
// transaction. The consumer worker runs a handler and the processed-event
// ledger insert inside one transaction, so a redelivered event either finds
// its ledger row or finds none of the handler's effects.
//
//	txm := transaction.NewSQLManager(db)
//	err := txm.Execute(ctx, func(tx transaction.Transaction) error {
//	    sqlTx, err := transaction.SQLTx(tx)
//	    if err != nil {
//	        return err
//	    }
//	    if _, err := sqlTx.ExecContext(ctx, "UPDATE orders SET status = $1 WHERE id = $2", "delivered", orderID); err != nil {
//	        return err
//	    }
//	    _, err = writer.Append(ctx, tx, tenantID, events.OrderStatusChanged, payload)
//	    return err
//	})
package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrTransactionFailed wraps commit failures.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrUnsupportedTransaction is returned by a store handed a transaction
	// it cannot write through, such as a memory transaction given to a SQL store.
	ErrUnsupportedTransaction = errors.New("unsupported transaction type")
)

// Transaction is an open unit of work. Prefer Manager.Execute over calling
// Commit and Rollback directly. Rollback after Commit is a no-op.
type Transaction interface {
	Commit() error
	Rollback() error
}

// SQLTransactionProvider exposes the *sql.Tx behind a Transaction.
type SQLTransactionProvider interface {
	Transaction
	Tx() *sql.Tx
}

// SQLTx returns the *sql.Tx of tx, or ErrUnsupportedTransaction.
func SQLTx(tx Transaction) (*sql.Tx, error) {
	if p, ok := tx.(SQLTransactionProvider); ok && p.Tx() != nil {
		return p.Tx(), nil
	}
	return nil, ErrUnsupportedTransaction
}

// Manager opens transactions.
type Manager interface {
	Begin(ctx context.Context) (Transaction, error)

	// Execute commits when fn returns nil and rolls back when fn returns an
	// error or panics. A panic is re-raised after the rollback.
	Execute(ctx context.Context, fn func(tx Transaction) error) error
}

// SQLTransaction adapts *sql.Tx.
type SQLTransaction struct {
	tx *sql.Tx
}

// WrapSQL adapts a *sql.Tx the caller already opened, for example to
// append outbox events from existing repository code.
func WrapSQL(tx *sql.Tx) *SQLTransaction {
	return &SQLTransaction{tx: tx}
}

func (t *SQLTransaction) Commit() error { return t.tx.Commit() }

func (t *SQLTransaction) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// Tx returns the wrapped transaction.
func (t *SQLTransaction) Tx() *sql.Tx { return t.tx }

// SQLManager opens database/sql transactions. It does not own db.
type SQLManager struct {
	db   *sql.DB
	opts *sql.TxOptions
}

// NewSQLManager creates a manager using the driver's default isolation.
func NewSQLManager(db *sql.DB) *SQLManager {
	return &SQLManager{db: db}
}

// WithIsolation sets the isolation level of every transaction.
func (m *SQLManager) WithIsolation(level sql.IsolationLevel) *SQLManager {
	m.opts = &sql.TxOptions{Isolation: level}
	return m
}

func (m *SQLManager) Begin(ctx context.Context) (Transaction, error) {
	tx, err := m.db.BeginTx(ctx, m.opts)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return WrapSQL(tx), nil
}

func (m *SQLManager) Execute(ctx context.Context, fn func(tx Transaction) error) error {
	return execute(ctx, m, fn)
}

func execute(ctx context.Context, m Manager, fn func(tx Transaction) error) (err error) {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if cerr := tx.Commit(); cerr != nil {
		committed = true
		return errors.Join(ErrTransactionFailed, cerr)
	}
	committed = true
	return nil
}

var (
	_ SQLTransactionProvider = (*SQLTransaction)(nil)
	_ Manager                = (*SQLManager)(nil)
)
