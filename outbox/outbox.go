// Package outbox implements the transactional outbox: domain events are
// written in the same transaction as the business change they describe and
// later published to the stream by the Relay.
//
// # The Outbox Pattern
//
// Writing to the database and publishing to a message broker cannot be
// made atomic directly. The outbox solves this by:
//  1. Appending the event to an outbox table in the business transaction
//  2. A relay publishing pending rows to the stream and marking them published
//
// If the business transaction rolls back, the event never exists. If the
// relay crashes between publishing and marking, the event is published
// again; consumers dedupe through the processed-event ledger.
//
// # Usage
//
//	writer := outbox.NewWriter(outbox.NewPostgresStore(db))
//
//	err := txManager.Execute(ctx, func(tx transaction.Transaction) error {
//	    sqlTx, _ := transaction.SQLTx(tx)
//	    if _, err := sqlTx.ExecContext(ctx, "UPDATE orders SET status = $1 WHERE id = $2", "delivered", orderID); err != nil {
//	        return err
//	    }
//	    _, err := writer.Append(ctx, tx, tenantID, events.SaleRecorded, sale)
//	    return err
//	})
//
//	relay := outbox.NewRelay(store, stream)
//	go relay.Start(ctx)
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basecore/eventpipe/envelope"
	"github.com/basecore/eventpipe/events"
	"github.com/basecore/eventpipe/transaction"
	"github.com/google/uuid"
)

// Outbox errors
var (
	ErrTenantRequired    = errors.New("outbox: tenant_id is required")
	ErrEventTypeRequired = errors.New("outbox: event_type is required")
	ErrTxRequired        = errors.New("outbox: append requires an active transaction")
)

// Event is one row of the outbox table.
type Event struct {
	// ID is the event id, generated at write time.
	ID            string
	TenantID      string
	EventType     string
	Vertical      string
	Version       int
	Payload       []byte
	CorrelationID string
	CreatedAt     time.Time
	// PublishedAt is nil while the event is pending.
	PublishedAt *time.Time

	// seq breaks created_at ties so events appended in one transaction
	// keep their creation order.
	seq int64
}

// Pending reports whether the event still awaits publication.
func (e *Event) Pending() bool {
	return e.PublishedAt == nil
}

// Envelope builds the stream envelope for the event.
func (e *Event) Envelope() envelope.Envelope {
	return envelope.Envelope{
		EventID:       e.ID,
		TenantID:      e.TenantID,
		EventType:     e.EventType,
		Vertical:      e.Vertical,
		Version:       e.Version,
		Payload:       append([]byte(nil), e.Payload...),
		OccurredAt:    e.CreatedAt,
		CorrelationID: e.CorrelationID,
	}
}

// Store defines the interface for outbox storage backends.
type Store interface {
	// Insert adds an event inside the caller's transaction.
	// It never commits on its own.
	Insert(ctx context.Context, tx transaction.Transaction, ev *Event) error

	// FetchPending returns up to limit events with no published_at,
	// oldest first.
	FetchPending(ctx context.Context, limit int) ([]*Event, error)

	// MarkPublished sets published_at for every id in one batch. If any id
	// is no longer pending nothing is updated and a
	// *eventpipe.PublishConflictError naming the stale ids is returned.
	MarkPublished(ctx context.Context, ids []string) error

	// OldestPending returns the creation time of the oldest pending event.
	// ok is false when nothing is pending.
	OldestPending(ctx context.Context) (created time.Time, ok bool, err error)

	// PendingCount returns the number of pending events.
	PendingCount(ctx context.Context) (int64, error)
}

// Writer appends events to the outbox.
type Writer struct {
	store Store
	now   func() time.Time
}

// NewWriter creates a Writer on top of a store.
func NewWriter(store Store) *Writer {
	return &Writer{store: store, now: time.Now}
}

// AppendOption customizes a single append.
type AppendOption func(*Event)

// WithVertical sets the vertical the event belongs to (default "materials").
func WithVertical(v string) AppendOption {
	return func(e *Event) {
		if v != "" {
			e.Vertical = v
		}
	}
}

// WithVersion sets the event contract version (default 1).
func WithVersion(v int) AppendOption {
	return func(e *Event) {
		if v > 0 {
			e.Version = v
		}
	}
}

// WithCorrelationID attaches a tracing correlation id.
func WithCorrelationID(id string) AppendOption {
	return func(e *Event) {
		e.CorrelationID = id
	}
}

// WithEventID overrides the generated event id.
func WithEventID(id string) AppendOption {
	return func(e *Event) {
		if id != "" {
			e.ID = id
		}
	}
}

// Append records an event inside tx and returns it.
//
// payload is JSON-encoded unless it already is a json.RawMessage. If the
// surrounding transaction rolls back, the event never existed.
func (w *Writer) Append(ctx context.Context, tx transaction.Transaction, tenantID, eventType string, payload any, opts ...AppendOption) (*Event, error) {
	if tx == nil {
		return nil, ErrTxRequired
	}
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	data, err := events.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("outbox: marshal payload: %w", err)
	}

	ev := &Event{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		EventType: eventType,
		Vertical:  envelope.DefaultVertical,
		Version:   1,
		Payload:   data,
		CreatedAt: w.now().UTC(),
	}
	for _, opt := range opts {
		opt(ev)
	}

	if err := w.store.Insert(ctx, tx, ev); err != nil {
		return nil, fmt.Errorf("outbox: insert %s: %w", ev.ID, err)
	}
	return ev, nil
}
