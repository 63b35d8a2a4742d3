package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/basecore/eventpipe"
	"github.com/basecore/eventpipe/events"
	"github.com/basecore/eventpipe/transaction"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
)

func fixedClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		return now
	}
}

func TestWriterAppend(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.NewString()

	t.Run("visible only after commit", func(t *testing.T) {
		store := NewMemoryStore()
		writer := NewWriter(store)
		txm := transaction.NewMemoryManager()

		tx, err := txm.Begin(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		ev, err := writer.Append(ctx, tx, tenant, events.SaleRecorded, json.RawMessage(`{"order_id":"O1"}`))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if n, _ := store.PendingCount(ctx); n != 0 {
			t.Errorf("pending before commit = %d, want 0", n)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}

		got, ok := store.Get(ev.ID)
		if !ok {
			t.Fatal("event not stored after commit")
		}
		if !got.Pending() {
			t.Error("new event should be pending")
		}
		if got.Vertical != "materials" || got.Version != 1 {
			t.Errorf("defaults = %q/%d, want materials/1", got.Vertical, got.Version)
		}
	})

	t.Run("rollback discards the event", func(t *testing.T) {
		store := NewMemoryStore()
		writer := NewWriter(store)
		txm := transaction.NewMemoryManager()

		boom := errors.New("business write failed")
		err := txm.Execute(ctx, func(tx transaction.Transaction) error {
			if _, err := writer.Append(ctx, tx, tenant, events.SaleRecorded, map[string]string{"order_id": "O1"}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("execute error = %v, want %v", err, boom)
		}
		if store.Len() != 0 {
			t.Errorf("store has %d events after rollback, want 0", store.Len())
		}
	})

	t.Run("options", func(t *testing.T) {
		store := NewMemoryStore()
		writer := NewWriter(store)
		txm := transaction.NewMemoryManager()

		var ev *Event
		err := txm.Execute(ctx, func(tx transaction.Transaction) error {
			var err error
			ev, err = writer.Append(ctx, tx, tenant, events.StockUpdated, json.RawMessage(`{}`),
				WithVertical("hardware"),
				WithVersion(2),
				WithCorrelationID("corr-1"),
				WithEventID("E1"))
			return err
		})
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		got, _ := store.Get("E1")
		want := &Event{
			ID:            "E1",
			TenantID:      tenant,
			EventType:     events.StockUpdated,
			Vertical:      "hardware",
			Version:       2,
			Payload:       []byte(`{}`),
			CorrelationID: "corr-1",
			CreatedAt:     ev.CreatedAt,
		}
		if diff := cmp.Diff(want, got, cmpopts.IgnoreUnexported(Event{})); diff != "" {
			t.Errorf("stored event mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("validation", func(t *testing.T) {
		writer := NewWriter(NewMemoryStore())
		tx, _ := transaction.NewMemoryManager().Begin(ctx)
		defer tx.Rollback()

		if _, err := writer.Append(ctx, nil, tenant, events.SaleRecorded, nil); !errors.Is(err, ErrTxRequired) {
			t.Errorf("nil tx error = %v, want %v", err, ErrTxRequired)
		}
		if _, err := writer.Append(ctx, tx, "", events.SaleRecorded, nil); !errors.Is(err, ErrTenantRequired) {
			t.Errorf("empty tenant error = %v, want %v", err, ErrTenantRequired)
		}
		if _, err := writer.Append(ctx, tx, tenant, "", nil); !errors.Is(err, ErrEventTypeRequired) {
			t.Errorf("empty type error = %v, want %v", err, ErrEventTypeRequired)
		}
	})

	t.Run("sql store rejects memory transaction", func(t *testing.T) {
		writer := NewWriter(NewPostgresStore(nil))
		tx, _ := transaction.NewMemoryManager().Begin(ctx)
		defer tx.Rollback()

		_, err := writer.Append(ctx, tx, tenant, events.SaleRecorded, json.RawMessage(`{}`))
		if !errors.Is(err, transaction.ErrUnsupportedTransaction) {
			t.Errorf("error = %v, want %v", err, transaction.ErrUnsupportedTransaction)
		}
	})
}

func TestMemoryStoreOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	writer := NewWriter(store)
	writer.now = fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	txm := transaction.NewMemoryManager()

	// Same created_at: insertion order decides.
	err := txm.Execute(ctx, func(tx transaction.Transaction) error {
		for _, id := range []string{"E3", "E1", "E2"} {
			if _, err := writer.Append(ctx, tx, "T1", events.SaleRecorded, json.RawMessage(`{}`), WithEventID(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	pending, err := store.FetchPending(ctx, 2)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	var ids []string
	for _, ev := range pending {
		ids = append(ids, ev.ID)
	}
	if diff := cmp.Diff([]string{"E3", "E1"}, ids); diff != "" {
		t.Errorf("pending order mismatch (-want +got):\n%s", diff)
	}

	oldest, ok, err := store.OldestPending(ctx)
	if err != nil || !ok {
		t.Fatalf("oldest pending = %v, %v, %v", oldest, ok, err)
	}
	if !oldest.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("oldest = %v", oldest)
	}
}

func TestMemoryStoreMarkPublished(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	writer := NewWriter(store)
	txm := transaction.NewMemoryManager()

	err := txm.Execute(ctx, func(tx transaction.Transaction) error {
		for _, id := range []string{"E1", "E2", "E3"} {
			if _, err := writer.Append(ctx, tx, "T1", events.SaleRecorded, json.RawMessage(`{}`), WithEventID(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if err := store.MarkPublished(ctx, []string{"E1"}); err != nil {
		t.Fatalf("mark E1: %v", err)
	}

	err = store.MarkPublished(ctx, []string{"E2", "E1", "missing"})
	var conflict *eventpipe.PublishConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want PublishConflictError", err)
	}
	if diff := cmp.Diff([]string{"E1", "missing"}, conflict.IDs); diff != "" {
		t.Errorf("conflict ids mismatch (-want +got):\n%s", diff)
	}
	if !eventpipe.IsPublishConflict(err) {
		t.Error("IsPublishConflict should be true")
	}

	// Nothing in the failed batch was applied.
	if ev, _ := store.Get("E2"); !ev.Pending() {
		t.Error("E2 should still be pending after the conflicting batch")
	}
	if n, _ := store.PendingCount(ctx); n != 2 {
		t.Errorf("pending = %d, want 2", n)
	}
}
