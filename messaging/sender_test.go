package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basecore/eventpipe"
	"github.com/basecore/eventpipe/dlq"
	"github.com/basecore/eventpipe/envelope"
	"github.com/basecore/eventpipe/events"
	"github.com/basecore/eventpipe/ledger"
	"github.com/basecore/eventpipe/outbox"
	"github.com/basecore/eventpipe/transaction"
	"github.com/basecore/eventpipe/transport"
	"github.com/basecore/eventpipe/transport/memory"
	"github.com/basecore/eventpipe/worker"
	"github.com/google/go-cmp/cmp"
)

// queueOne runs an order status event through a notifier writing to
// store and outboxStore, and returns the queued message.
func queueOne(t *testing.T, store *MemoryStore, outboxStore *outbox.MemoryStore) OutboundMessage {
	t.Helper()
	n := NewNotifier(store, WithOutbox(outbox.NewWriter(outboxStore)))
	env := newEnv(events.OrderStatusChanged, events.OrderStatusChangedPayload{
		OrderID:       "O1",
		NewStatus:     "delivered",
		CustomerPhone: "+55 11 98765-4321",
	})
	if _, err := handle(t, n, env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	msgs := store.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	return msgs[0]
}

func queuedEnv(msg OutboundMessage) envelope.Envelope {
	raw, _ := json.Marshal(events.WhatsAppMessageQueuedPayload{MessageID: msg.ID})
	return envelope.Envelope{
		EventID:   msg.ID,
		TenantID:  msg.TenantID,
		EventType: events.WhatsAppMessageQueued,
		Version:   1,
		Payload:   raw,
	}
}

func send(t *testing.T, s *Sender, env envelope.Envelope) (any, error) {
	t.Helper()
	var result any
	err := transaction.NewMemoryManager().Execute(context.Background(), func(tx transaction.Transaction) error {
		var err error
		result, err = s.Registry().Dispatch(context.Background(), tx, env)
		return err
	})
	return result, err
}

func TestNotifierAnnouncesQueuedMessage(t *testing.T) {
	outboxStore := outbox.NewMemoryStore()
	msg := queueOne(t, NewMemoryStore(), outboxStore)

	ev, ok := outboxStore.Get(msg.ID)
	if !ok {
		t.Fatalf("no outbox event for message %s", msg.ID)
	}
	if ev.EventType != events.WhatsAppMessageQueued || ev.TenantID != msg.TenantID || ev.CorrelationID != msg.CorrelationID {
		t.Errorf("outbox event = %+v", ev)
	}
	p, err := events.Decode(ev.Envelope())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := &events.WhatsAppMessageQueuedPayload{MessageID: msg.ID, Template: TemplateOrderStatus}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestNotifierRollsBackAnnouncement(t *testing.T) {
	store := NewMemoryStore()
	outboxStore := outbox.NewMemoryStore()
	reg := NewNotifier(store, WithOutbox(outbox.NewWriter(outboxStore))).Registry()
	env := newEnv(events.OrderStatusChanged, events.OrderStatusChangedPayload{OrderID: "O1", NewStatus: "delivered", CustomerPhone: "11999990000"})

	boom := errors.New("ledger write failed")
	err := transaction.NewMemoryManager().Execute(context.Background(), func(tx transaction.Transaction) error {
		if _, err := reg.Dispatch(context.Background(), tx, env); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Execute error = %v", err)
	}
	if n, _ := outboxStore.PendingCount(context.Background()); n != 0 {
		t.Errorf("pending outbox events = %d, want 0", n)
	}
	if len(store.Messages()) != 0 {
		t.Error("rolled back message is visible")
	}
}

func TestSenderSendsOnce(t *testing.T) {
	store := NewMemoryStore()
	msg := queueOne(t, store, outbox.NewMemoryStore())
	provider := NewStubProvider(nil)
	s := NewSender(store, provider)

	for i := 0; i < 2; i++ {
		result, err := send(t, s, queuedEnv(msg))
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if r := result.(sendResult); r.Status != StatusSent || !strings.HasPrefix(r.ProviderMessageID, "stub_msg_") {
			t.Errorf("send %d result = %+v", i, r)
		}
	}

	if got := provider.Attempts(msg.ID); got != 1 {
		t.Errorf("provider attempts = %d, want 1", got)
	}
	got := store.Messages()[0]
	if got.Status != StatusSent || got.SentAt == nil || got.ProviderMessageID == "" {
		t.Errorf("message after send = %+v", got)
	}
	if sent := provider.Sent(); len(sent) != 1 || sent[0].Body != msg.Body || sent[0].Phone != "5511987654321" {
		t.Errorf("provider got %+v", sent)
	}
}

func TestSenderProviderErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want eventpipe.Outcome
	}{
		{"retryable rejection", &ProviderError{Code: "RATE_LIMITED", Message: "slow down", Retryable: true}, eventpipe.OutcomeRetry},
		{"network error", errors.New("connection refused"), eventpipe.OutcomeRetry},
		{"permanent rejection", &ProviderError{Code: "INVALID_RECIPIENT", Message: "not on whatsapp"}, eventpipe.OutcomeDeadLetter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			msg := queueOne(t, store, outbox.NewMemoryStore())
			s := NewSender(store, NewStubProvider(func(OutboundMessage, int) error { return tt.err }))

			_, err := send(t, s, queuedEnv(msg))
			if got := eventpipe.ClassifyError(err); got != tt.want {
				t.Errorf("outcome = %v, want %v (err %v)", got, tt.want, err)
			}
			if got := store.Messages()[0].Status; got != StatusQueued {
				t.Errorf("status = %q, want %q", got, StatusQueued)
			}
		})
	}
}

func TestSenderUnknownMessage(t *testing.T) {
	s := NewSender(NewMemoryStore(), NewStubProvider(nil))
	_, err := send(t, s, queuedEnv(OutboundMessage{ID: transport.NewID(), TenantID: "T1"}))
	if !errors.Is(err, ErrMessageNotFound) || eventpipe.ClassifyError(err) != eventpipe.OutcomeDeadLetter {
		t.Errorf("error = %v, want a permanent %v", err, ErrMessageNotFound)
	}
}

func TestSenderMarkFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	msg := queueOne(t, store, outbox.NewMemoryStore())
	s := NewSender(store, NewStubProvider(nil))

	// Entries of other groups are ignored.
	s.MarkFailed(ctx, &dlq.Entry{Group: Group, Envelope: queuedEnv(msg)}, errors.New("boom"))
	if got := store.Messages()[0].Status; got != StatusQueued {
		t.Fatalf("status = %q after foreign entry", got)
	}

	s.MarkFailed(ctx, &dlq.Entry{Group: SenderGroup, EventID: msg.ID, Envelope: queuedEnv(msg)}, errors.New("provider down"))
	got := store.Messages()[0]
	if got.Status != StatusFailed || got.LastError != "provider down" {
		t.Errorf("message = %+v", got)
	}

	// A sent message stays sent.
	if _, err := send(t, s, queuedEnv(msg)); err != nil {
		t.Fatal(err)
	}
	s.MarkFailed(ctx, &dlq.Entry{Group: SenderGroup, EventID: msg.ID, Envelope: queuedEnv(msg)}, errors.New("late"))
	if got := store.Messages()[0].Status; got != StatusSent {
		t.Errorf("status = %q, want %q", got, StatusSent)
	}
}

// The queued message travels through the outbox, the relay and the sender
// worker, fails past the retry ceiling, then succeeds on replay.
func TestSenderPipeline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	outboxStore := outbox.NewMemoryStore()
	stream := memory.New()
	dead := dlq.NewMemoryStore()
	dlqm := dlq.NewManager(dead, stream)
	msg := queueOne(t, store, outboxStore)

	if n, err := outbox.NewRelay(outboxStore, stream).PublishOnce(ctx); err != nil || n != 1 {
		t.Fatalf("PublishOnce = %d, %v", n, err)
	}

	var down atomic.Bool
	down.Store(true)
	provider := NewStubProvider(func(OutboundMessage, int) error {
		if down.Load() {
			return &ProviderError{Code: "UNAVAILABLE", Message: "try later", Retryable: true}
		}
		return nil
	})
	s := NewSender(store, provider)
	w, err := worker.New(stream, s.Registry(), ledger.NewMemoryStore(), transaction.NewMemoryManager(), dlqm,
		worker.WithConsumer("sender-1"),
		worker.WithBlock(10*time.Millisecond),
		worker.WithBackoff(time.Millisecond, 5*time.Millisecond),
		worker.WithMaxRetries(MaxSendRetries),
		worker.WithDeadLetterHook(s.MarkFailed))
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	status := func() string { return store.Messages()[0].Status }
	waitUntil(t, "message failed", func() bool { return status() == StatusFailed })
	if got := provider.Attempts(msg.ID); got != MaxSendRetries+1 {
		t.Errorf("provider attempts = %d, want %d", got, MaxSendRetries+1)
	}
	if n, _ := dlqm.Count(ctx, SenderGroup); n != 1 {
		t.Fatalf("dead letters = %d, want 1", n)
	}

	down.Store(false)
	if _, err := dlqm.Replay(ctx, msg.ID, SenderGroup); err != nil {
		t.Fatalf("replay: %v", err)
	}
	waitUntil(t, "message sent", func() bool { return status() == StatusSent })

	cancel()
	<-done
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
