// Package ledger records which events each consumer group has applied.
//
// A record for (event_id, group) is written in the same transaction as the
// handler's effects, so an event is either applied and recorded or neither.
// On redelivery the worker checks the ledger first and acks duplicates
// without invoking the handler again.
//
// Usage inside a handler transaction:
//
//	err := txManager.Execute(ctx, func(tx transaction.Transaction) error {
//	    if err := apply(ctx, tx, env); err != nil {
//	        return err
//	    }
//	    inserted, err := store.MarkProcessedTx(ctx, tx, ledger.Record{
//	        EventID: env.EventID,
//	        Group:   "stock",
//	    })
//	    if err != nil {
//	        return err
//	    }
//	    if !inserted {
//	        return eventpipe.ErrDuplicateDelivery // rolls back the effects
//	    }
//	    return nil
//	})
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/basecore/eventpipe/transaction"
)

// ErrInvalidRecord is returned when a record lacks its event id or group.
var ErrInvalidRecord = errors.New("ledger: event_id and group are required")

// ErrNotFound is returned by Get when the pair has no record.
var ErrNotFound = errors.New("ledger: record not found")

// Record marks one event as applied by one consumer group.
type Record struct {
	EventID   string `json:"event_id"`
	Group     string `json:"group_name"`
	TenantID  string `json:"tenant_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	// Result is an opaque summary returned by the handler.
	Result      json.RawMessage `json:"result,omitempty"`
	ProcessedAt time.Time       `json:"processed_at"`
}

func (r Record) validate() error {
	if r.EventID == "" || r.Group == "" {
		return ErrInvalidRecord
	}
	return nil
}

// Store is the processed-event ledger.
type Store interface {
	// IsProcessed reports whether group already applied eventID.
	IsProcessed(ctx context.Context, eventID, group string) (bool, error)

	// MarkProcessedTx inserts the record inside tx.
	// It returns false, without error, when the record already exists;
	// the caller must then roll back its effects.
	MarkProcessedTx(ctx context.Context, tx transaction.Transaction, rec Record) (bool, error)

	// Get returns the record for the pair, or ErrNotFound.
	Get(ctx context.Context, eventID, group string) (*Record, error)

	// Count returns the number of events group has applied.
	Count(ctx context.Context, group string) (int64, error)
}
