package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/basecore/eventpipe"
	"github.com/basecore/eventpipe/envelope"
	"github.com/basecore/eventpipe/events"
	"github.com/basecore/eventpipe/transaction"
	"github.com/basecore/eventpipe/transport"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"syreclabs.com/go/faker"
)

func newEnv(eventType string, payload any) envelope.Envelope {
	raw, _ := json.Marshal(payload)
	return envelope.Envelope{
		EventID:       transport.NewID(),
		TenantID:      "T1",
		EventType:     eventType,
		Version:       1,
		Payload:       raw,
		OccurredAt:    time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		CorrelationID: "req-" + faker.Number().Number(6),
	}
}

func handle(t *testing.T, n *Notifier, env envelope.Envelope) (any, error) {
	t.Helper()
	reg := n.Registry()
	var result any
	err := transaction.NewMemoryManager().Execute(context.Background(), func(tx transaction.Transaction) error {
		var err error
		result, err = reg.Dispatch(context.Background(), tx, env)
		return err
	})
	return result, err
}

func TestRegistry(t *testing.T) {
	reg := NewNotifier(NewMemoryStore()).Registry()
	if reg.Group() != Group {
		t.Errorf("Group() = %q, want %q", reg.Group(), Group)
	}
	want := []string{events.CustomerOptedOut, events.OrderStatusChanged, events.QuoteConverted}
	if diff := cmp.Diff(want, reg.EventTypes()); diff != "" {
		t.Errorf("event types mismatch (-want +got):\n%s", diff)
	}
	if reg.Handles(events.SaleRecorded) {
		t.Error("notifier must not handle sale_recorded")
	}
}

func TestOrderStatusQueuesMessage(t *testing.T) {
	store := NewMemoryStore()
	n := NewNotifier(store)

	env := newEnv(events.OrderStatusChanged, events.OrderStatusChangedPayload{
		OrderID:       "O1",
		OldStatus:     "confirmed",
		NewStatus:     "out_for_delivery",
		CustomerPhone: "+55 (11) 98765-4321",
	})
	result, err := handle(t, n, env)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if r := result.(notifyResult); r.Status != resultQueued || r.MessageID == "" {
		t.Errorf("result = %+v", r)
	}

	want := []OutboundMessage{{
		EventID:       env.EventID,
		TenantID:      "T1",
		Phone:         "5511987654321",
		Template:      TemplateOrderStatus,
		Params:        map[string]string{"order_id": "O1", "status": "out_for_delivery"},
		Body:          "Your order O1 is now out_for_delivery.",
		Status:        StatusQueued,
		CorrelationID: env.CorrelationID,
	}}
	opts := cmpopts.IgnoreFields(OutboundMessage{}, "ID", "CreatedAt")
	if diff := cmp.Diff(want, store.Messages(), opts); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestQuoteConvertedCustomTemplate(t *testing.T) {
	store := NewMemoryStore()
	n := NewNotifier(store, WithTemplate(TemplateQuoteConverted, "Pedido {order_id} confirmado"))

	env := newEnv(events.QuoteConverted, events.QuoteConvertedPayload{
		QuoteID:       "Q1",
		OrderID:       "O7",
		CustomerPhone: faker.PhoneNumber().CellPhone(),
	})
	if _, err := handle(t, n, env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	msgs := store.Messages()
	if len(msgs) != 1 || msgs[0].Body != "Pedido O7 confirmado" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestOptOutSuppressesMessages(t *testing.T) {
	store := NewMemoryStore()
	n := NewNotifier(store)

	optOut := newEnv(events.CustomerOptedOut, events.CustomerOptedOutPayload{Phone: "+55 11 98765-4321", Reason: "PARAR"})
	if _, err := handle(t, n, optOut); err != nil {
		t.Fatalf("opt-out: %v", err)
	}

	status := newEnv(events.OrderStatusChanged, events.OrderStatusChangedPayload{
		OrderID:       "O1",
		NewStatus:     "delivered",
		CustomerPhone: "5511987654321",
	})
	result, err := handle(t, n, status)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if r := result.(notifyResult); r.Status != resultOptedOut {
		t.Errorf("status = %q, want %q", r.Status, resultOptedOut)
	}
	if msgs := store.Messages(); len(msgs) != 0 {
		t.Errorf("queued %d messages for an opted-out customer", len(msgs))
	}

	// Opt-outs are per tenant.
	other := status
	other.EventID = transport.NewID()
	other.TenantID = "T2"
	if _, err := handle(t, n, other); err != nil {
		t.Fatal(err)
	}
	if msgs := store.Messages(); len(msgs) != 1 || msgs[0].TenantID != "T2" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestNoPhoneIsNotAFailure(t *testing.T) {
	store := NewMemoryStore()
	n := NewNotifier(store)

	for _, phone := range []string{"", "n/a"} {
		env := newEnv(events.OrderStatusChanged, events.OrderStatusChangedPayload{OrderID: "O1", NewStatus: "delivered", CustomerPhone: phone})
		result, err := handle(t, n, env)
		if err != nil {
			t.Fatalf("phone %q: %v", phone, err)
		}
		if r := result.(notifyResult); r.Status != resultNoPhone {
			t.Errorf("phone %q: status = %q", phone, r.Status)
		}
	}
	if len(store.Messages()) != 0 {
		t.Error("no message should be queued without a phone")
	}
}

func TestOneMessagePerEvent(t *testing.T) {
	store := NewMemoryStore()
	n := NewNotifier(store)
	env := newEnv(events.OrderStatusChanged, events.OrderStatusChangedPayload{OrderID: "O1", NewStatus: "delivered", CustomerPhone: "11999990000"})

	for i := 0; i < 2; i++ {
		if _, err := handle(t, n, env); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(store.Messages()); got != 1 {
		t.Errorf("messages = %d, want 1", got)
	}
}

func TestInvalidOptOut(t *testing.T) {
	n := NewNotifier(NewMemoryStore())

	_, err := handle(t, n, newEnv(events.CustomerOptedOut, map[string]string{"reason": "stop"}))
	if !errors.Is(err, eventpipe.ErrInvalidPayload) {
		t.Errorf("missing phone error = %v, want %v", err, eventpipe.ErrInvalidPayload)
	}

	_, err = handle(t, n, newEnv(events.CustomerOptedOut, events.CustomerOptedOutPayload{Phone: "none"}))
	if !errors.Is(err, ErrInvalidPhone) {
		t.Errorf("bad phone error = %v, want %v", err, ErrInvalidPhone)
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+55 (11) 98765-4321", "5511987654321", false},
		{"11987654321", "11987654321", false},
		{"", "", true},
		{"ext.", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePhone(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizePhone(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
