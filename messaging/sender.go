package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basecore/eventpipe"
	"github.com/basecore/eventpipe/dlq"
	"github.com/basecore/eventpipe/envelope"
	"github.com/basecore/eventpipe/events"
	"github.com/basecore/eventpipe/registry"
	"github.com/basecore/eventpipe/transaction"
	"github.com/basecore/eventpipe/transport"
	"github.com/google/uuid"
)

// SenderGroup is the consumer group that hands queued messages to the provider.
const SenderGroup = "whatsapp-sender"

// MaxSendRetries is the retry ceiling of the sender group. A message still
// failing after it is dead-lettered and marked failed.
const MaxSendRetries = 3

// ErrMessageNotFound is returned when a queued message id has no row.
var ErrMessageNotFound = errors.New("messaging: outbound message not found")

// Provider delivers messages to WhatsApp.
type Provider interface {
	// Send delivers msg and returns the provider's message id.
	Send(ctx context.Context, msg OutboundMessage) (string, error)
}

// ProviderError is a provider rejection. Non-retryable rejections are
// dead-lettered without retrying.
type ProviderError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

type sendResult struct {
	Status            string `json:"status"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

// Sender builds the whatsapp-sender registry.
type Sender struct {
	store    Store
	provider Provider
	logger   *slog.Logger
	now      func() time.Time
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithSenderLogger sets a custom logger.
func WithSenderLogger(l *slog.Logger) SenderOption {
	return func(s *Sender) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSender creates a sender delivering through provider.
func NewSender(store Store, provider Provider, opts ...SenderOption) *Sender {
	s := &Sender{
		store:    store,
		provider: provider,
		logger:   transport.Logger("messaging.sender"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the whatsapp-sender registry.
func (s *Sender) Registry() *registry.Registry {
	reg := registry.New(SenderGroup)
	reg.MustRegister(events.WhatsAppMessageQueued, registry.Typed(s.messageQueued))
	return reg
}

// messageQueued sends the message and marks it sent in the worker's
// transaction. A message already sent is not sent again.
func (s *Sender) messageQueued(ctx context.Context, tx transaction.Transaction, env envelope.Envelope, p *events.WhatsAppMessageQueuedPayload) (any, error) {
	msg, err := s.store.GetOutbound(ctx, tx, p.MessageID)
	if errors.Is(err, ErrMessageNotFound) {
		return nil, eventpipe.Permanent(fmt.Errorf("%w: %s", err, p.MessageID))
	}
	if err != nil {
		return nil, fmt.Errorf("load outbound message: %w", err)
	}
	if msg.Status == StatusSent {
		return sendResult{Status: StatusSent, ProviderMessageID: msg.ProviderMessageID}, nil
	}

	providerID, err := s.provider.Send(ctx, *msg)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) && !perr.Retryable {
			return nil, eventpipe.Permanent(err)
		}
		return nil, eventpipe.Transient(fmt.Errorf("send message %s: %w", msg.ID, err))
	}

	if err := s.store.MarkSent(ctx, tx, msg.ID, providerID, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("mark message sent: %w", err)
	}
	s.logger.Info("message sent",
		"event_id", env.EventID,
		"tenant_id", env.TenantID,
		"message_id", msg.ID,
		"provider_message_id", providerID)
	return sendResult{Status: StatusSent, ProviderMessageID: providerID}, nil
}

// MarkFailed is a dead-letter hook for the sender group. It marks the
// message of a dead-lettered event as failed. Replaying the entry sends
// it again.
func (s *Sender) MarkFailed(ctx context.Context, entry *dlq.Entry, cause error) {
	if entry == nil || entry.Group != SenderGroup {
		return
	}
	p, err := events.Decode(entry.Envelope)
	if err != nil {
		return
	}
	queued, ok := p.(*events.WhatsAppMessageQueuedPayload)
	if !ok {
		return
	}
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	if err := s.store.MarkFailed(ctx, queued.MessageID, reason); err != nil {
		s.logger.Error("failed to mark message failed",
			"message_id", queued.MessageID,
			"error", err)
		return
	}
	s.logger.Warn("message failed",
		"event_id", entry.EventID,
		"message_id", queued.MessageID,
		"attempts", entry.AttemptCount,
		"error", reason)
}

// StubProvider records messages instead of sending them.
type StubProvider struct {
	mu       sync.Mutex
	fail     func(msg OutboundMessage, attempt int) error
	attempts map[string]int
	sent     []OutboundMessage
	logger   *slog.Logger
}

// NewStubProvider creates a stub. fail, when not nil, is asked before each
// send and its error is returned instead of sending.
func NewStubProvider(fail func(msg OutboundMessage, attempt int) error) *StubProvider {
	return &StubProvider{
		fail:     fail,
		attempts: make(map[string]int),
		logger:   transport.Logger("messaging.stub"),
	}
}

func (p *StubProvider) Send(ctx context.Context, msg OutboundMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[msg.ID]++
	if p.fail != nil {
		if err := p.fail(msg, p.attempts[msg.ID]); err != nil {
			return "", err
		}
	}
	id := "stub_msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	p.sent = append(p.sent, msg)
	p.logger.Info("stub send", "message_id", msg.ID, "to", msg.Phone, "provider_message_id", id)
	return id, nil
}

// Sent returns the messages sent so far.
func (p *StubProvider) Sent() []OutboundMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]OutboundMessage(nil), p.sent...)
}

// Attempts returns how many sends were tried for a message.
func (p *StubProvider) Attempts(messageID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[messageID]
}
