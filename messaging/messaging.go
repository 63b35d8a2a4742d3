// Package messaging implements the whatsapp-notifier and whatsapp-sender
// consumer groups.
//
// The notifier turns order events into queued outbound WhatsApp messages.
// It writes rows to whatsapp_outbound_messages inside the worker's
// transaction and, with an outbox writer, appends a whatsapp_message_queued
// event in the same transaction. The whatsapp-sender group consumes those
// events and hands each message to a Provider. Customers who opted out
// never get a message queued.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/basecore/eventpipe/events"
	"github.com/basecore/eventpipe/outbox"
	"github.com/basecore/eventpipe/registry"
	"github.com/basecore/eventpipe/transaction"
	"github.com/basecore/eventpipe/transport"
)

// Group is the consumer group name of the notifier.
const Group = "whatsapp-notifier"

// Message status
const (
	StatusQueued = "queued"
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Template names
const (
	TemplateOrderStatus    = "order_status"
	TemplateQuoteConverted = "quote_converted"
)

// ErrInvalidPhone is returned for a phone number without digits.
var ErrInvalidPhone = errors.New("messaging: invalid phone number")

// OutboundMessage is one row of whatsapp_outbound_messages.
type OutboundMessage struct {
	ID            string            `json:"id"`
	EventID       string            `json:"event_id"`
	TenantID      string            `json:"tenant_id"`
	Phone         string            `json:"phone"`
	Template      string            `json:"template"`
	Params        map[string]string `json:"params,omitempty"`
	Body          string            `json:"body"`
	Status        string            `json:"status"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`

	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
}

// OptOut records a customer who asked not to be messaged.
type OptOut struct {
	TenantID   string    `json:"tenant_id"`
	Phone      string    `json:"phone"`
	Reason     string    `json:"reason,omitempty"`
	OptedOutAt time.Time `json:"opted_out_at"`
}

// Store persists notifier state inside the worker's transaction.
type Store interface {
	// QueueOutbound inserts a message. It reports false if the event
	// already queued one.
	QueueOutbound(ctx context.Context, tx transaction.Transaction, msg OutboundMessage) (bool, error)
	// RecordOptOut upserts an opt-out.
	RecordOptOut(ctx context.Context, tx transaction.Transaction, o OptOut) error
	// IsOptedOut reports whether the phone opted out for the tenant.
	IsOptedOut(ctx context.Context, tx transaction.Transaction, tenantID, phone string) (bool, error)

	// GetOutbound loads a message by id. Returns ErrMessageNotFound if missing.
	GetOutbound(ctx context.Context, tx transaction.Transaction, id string) (*OutboundMessage, error)
	// MarkSent records a successful send.
	MarkSent(ctx context.Context, tx transaction.Transaction, id, providerMessageID string, at time.Time) error
	// MarkFailed marks a message that will not be retried. It runs outside
	// any worker transaction and never overwrites a sent message.
	MarkFailed(ctx context.Context, id, reason string) error
}

// Notifier builds the whatsapp-notifier registry.
type Notifier struct {
	store     Store
	outbox    *outbox.Writer
	templates map[string]string
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithTemplate overrides a message body. Placeholders are written as
// {name} and filled from the message params.
func WithTemplate(name, body string) Option {
	return func(n *Notifier) {
		n.templates[name] = body
	}
}

// WithOutbox makes the notifier announce each queued message with a
// whatsapp_message_queued event written through w in the same transaction.
func WithOutbox(w *outbox.Writer) Option {
	return func(n *Notifier) {
		n.outbox = w
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// NewNotifier creates a notifier over store.
func NewNotifier(store Store, opts ...Option) *Notifier {
	n := &Notifier{
		store: store,
		templates: map[string]string{
			TemplateOrderStatus:    "Your order {order_id} is now {status}.",
			TemplateQuoteConverted: "Your quote {quote_id} was confirmed as order {order_id}.",
		},
		logger: transport.Logger("messaging"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Registry returns the whatsapp-notifier registry. The group should be
// created from the latest position so a new deployment does not message
// customers about old events.
func (n *Notifier) Registry() *registry.Registry {
	reg := registry.New(Group)
	reg.MustRegister(events.OrderStatusChanged, registry.Typed(n.orderStatusChanged))
	reg.MustRegister(events.QuoteConverted, registry.Typed(n.quoteConverted))
	reg.MustRegister(events.CustomerOptedOut, registry.Typed(n.customerOptedOut))
	return reg
}

func (n *Notifier) render(template string, params map[string]string) string {
	body := n.templates[template]
	pairs := make([]string, 0, len(params)*2)
	for k, v := range params {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(body)
}

// NormalizePhone keeps the digits of a phone number.
func NormalizePhone(phone string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)
	if digits == "" {
		return "", ErrInvalidPhone
	}
	return digits, nil
}
