package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/basecore/eventpipe/transaction"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	txm := transaction.NewMemoryManager()

	t.Run("IsProcessed returns false for new event", func(t *testing.T) {
		store := NewMemoryStore()
		ok, err := store.IsProcessed(ctx, uuid.NewString(), "stock")
		if err != nil {
			t.Fatalf("IsProcessed failed: %v", err)
		}
		if ok {
			t.Error("expected false for new event")
		}
	})

	t.Run("record visible after commit", func(t *testing.T) {
		store := NewMemoryStore()
		id := uuid.NewString()

		err := txm.Execute(ctx, func(tx transaction.Transaction) error {
			inserted, err := store.MarkProcessedTx(ctx, tx, Record{EventID: id, Group: "stock"})
			if err != nil {
				return err
			}
			if !inserted {
				t.Error("expected first insert to succeed")
			}
			if ok, _ := store.IsProcessed(ctx, id, "stock"); ok {
				t.Error("record visible before commit")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if ok, _ := store.IsProcessed(ctx, id, "stock"); !ok {
			t.Error("expected record after commit")
		}
		if ok, _ := store.IsProcessed(ctx, id, "sales"); ok {
			t.Error("record must be scoped to its group")
		}
	})

	t.Run("rollback releases the key", func(t *testing.T) {
		store := NewMemoryStore()
		id := uuid.NewString()
		boom := errors.New("handler failed")

		err := txm.Execute(ctx, func(tx transaction.Transaction) error {
			if _, err := store.MarkProcessedTx(ctx, tx, Record{EventID: id, Group: "stock"}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("execute error = %v, want %v", err, boom)
		}

		err = txm.Execute(ctx, func(tx transaction.Transaction) error {
			inserted, err := store.MarkProcessedTx(ctx, tx, Record{EventID: id, Group: "stock"})
			if !inserted {
				t.Error("expected insert after rollback to succeed")
			}
			return err
		})
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
	})

	t.Run("duplicate insert reports false", func(t *testing.T) {
		store := NewMemoryStore()
		id := uuid.NewString()
		mark := func() bool {
			var inserted bool
			err := txm.Execute(ctx, func(tx transaction.Transaction) error {
				var err error
				inserted, err = store.MarkProcessedTx(ctx, tx, Record{EventID: id, Group: "stock"})
				return err
			})
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			return inserted
		}
		if !mark() {
			t.Fatal("first insert should succeed")
		}
		if mark() {
			t.Error("second insert should report a duplicate")
		}
		if n, _ := store.Count(ctx, "stock"); n != 1 {
			t.Errorf("count = %d, want 1", n)
		}
	})

	t.Run("concurrent transactions insert once", func(t *testing.T) {
		store := NewMemoryStore()
		id := uuid.NewString()

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = txm.Execute(ctx, func(tx transaction.Transaction) error {
					inserted, err := store.MarkProcessedTx(ctx, tx, Record{EventID: id, Group: "stock"})
					if inserted {
						wins.Add(1)
					}
					return err
				})
			}()
		}
		wg.Wait()

		if wins.Load() != 1 {
			t.Errorf("inserted %d times, want 1", wins.Load())
		}
		if store.Len() != 1 {
			t.Errorf("len = %d, want 1", store.Len())
		}
	})

	t.Run("Get returns the stored result", func(t *testing.T) {
		store := NewMemoryStore()
		id := uuid.NewString()
		err := txm.Execute(ctx, func(tx transaction.Transaction) error {
			_, err := store.MarkProcessedTx(ctx, tx, Record{
				EventID:   id,
				Group:     "stock",
				TenantID:  "T1",
				EventType: "sale_recorded",
				Result:    json.RawMessage(`{"movements":2}`),
			})
			return err
		})
		if err != nil {
			t.Fatalf("execute: %v", err)
		}

		got, err := store.Get(ctx, id, "stock")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		want := &Record{
			EventID:     id,
			Group:       "stock",
			TenantID:    "T1",
			EventType:   "sale_recorded",
			Result:      json.RawMessage(`{"movements":2}`),
			ProcessedAt: got.ProcessedAt,
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("record mismatch (-want +got):\n%s", diff)
		}

		if _, err := store.Get(ctx, id, "sales"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get other group error = %v, want %v", err, ErrNotFound)
		}
	})

	t.Run("invalid record", func(t *testing.T) {
		store := NewMemoryStore()
		tx, _ := txm.Begin(ctx)
		defer tx.Rollback()
		if _, err := store.MarkProcessedTx(ctx, tx, Record{Group: "stock"}); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("error = %v, want %v", err, ErrInvalidRecord)
		}
	})

	t.Run("sql transaction is rejected", func(t *testing.T) {
		store := NewMemoryStore()
		_, err := store.MarkProcessedTx(ctx, transaction.WrapSQL(nil), Record{EventID: "E1", Group: "stock"})
		if !errors.Is(err, transaction.ErrUnsupportedTransaction) {
			t.Errorf("error = %v, want %v", err, transaction.ErrUnsupportedTransaction)
		}
	})
}

func TestPostgresStoreRejectsMemoryTransaction(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresStore(nil)
	tx, _ := transaction.NewMemoryManager().Begin(ctx)
	defer tx.Rollback()

	_, err := store.MarkProcessedTx(ctx, tx, Record{EventID: "E1", Group: "stock"})
	if !errors.Is(err, transaction.ErrUnsupportedTransaction) {
		t.Errorf("error = %v, want %v", err, transaction.ErrUnsupportedTransaction)
	}
}
