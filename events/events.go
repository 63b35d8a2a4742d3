// Package events holds the known event types and their payload schemas.
//
// Event types are vertical-agnostic; the vertical travels in the envelope.
// Payloads form a tagged union keyed by event type: Decode picks the schema
// for a type and unknown JSON fields are ignored, so producers can add fields
// without breaking older consumers.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/basecore/eventpipe/envelope"
)

// Known event types.
const (
	QuoteCreated            = "quote_created"
	QuoteConverted          = "quote_converted"
	SaleRecorded            = "sale_recorded"
	OrderStatusChanged      = "order_status_changed"
	StockUpdated            = "stock_updated"
	StockReceived           = "stock_received"
	SupplierPriceRegistered = "supplier_price_registered"
	ProductPriceUpdated     = "product_price_updated"
	DeliveryStarted         = "delivery_started"
	DeliveryCompleted       = "delivery_completed"
	CustomerOptedOut        = "customer_opted_out"
	WhatsAppMessageQueued   = "whatsapp_message_queued"
)

var known = map[string]struct{}{
	QuoteCreated: {}, QuoteConverted: {}, SaleRecorded: {}, OrderStatusChanged: {},
	StockUpdated: {}, StockReceived: {}, SupplierPriceRegistered: {}, ProductPriceUpdated: {},
	DeliveryStarted: {}, DeliveryCompleted: {}, CustomerOptedOut: {},
	WhatsAppMessageQueued: {},
}

// Known returns every event type producers may emit, sorted.
func Known() []string {
	types := make([]string, 0, len(known))
	for t := range known {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// IsKnown reports whether eventType is a known event type.
func IsKnown(eventType string) bool {
	_, ok := known[eventType]
	return ok
}

// ErrUnknownSchema is returned by Decode for an event type without a schema.
var ErrUnknownSchema = errors.New("events: no payload schema for event type")

// Payload is implemented by every event schema.
type Payload interface {
	EventType() string
	Validate() error
}

var schemas = map[string]func() Payload{
	QuoteConverted:        func() Payload { return &QuoteConvertedPayload{} },
	SaleRecorded:          func() Payload { return &SaleRecordedPayload{} },
	OrderStatusChanged:    func() Payload { return &OrderStatusChangedPayload{} },
	StockUpdated:          func() Payload { return &StockUpdatedPayload{} },
	StockReceived:         func() Payload { return &StockUpdatedPayload{Type: StockReceived} },
	CustomerOptedOut:      func() Payload { return &CustomerOptedOutPayload{} },
	WhatsAppMessageQueued: func() Payload { return &WhatsAppMessageQueuedPayload{} },
}

// Decode returns the validated payload for an envelope.
func Decode(env envelope.Envelope) (Payload, error) {
	newPayload, ok := schemas[env.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, env.EventType)
	}
	p := newPayload()
	if err := env.Decode(p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Marshal encodes a payload for the outbox.
func Marshal(p any) (json.RawMessage, error) {
	if raw, ok := p.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(p)
}

// SaleItem is one product line of a sale.
type SaleItem struct {
	ProductID string  `json:"product_id"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	// StockAfter is the on-hand quantity after the sale when the vertical knows it.
	StockAfter *float64 `json:"stock_after,omitempty"`
}

// SaleRecordedPayload is emitted when an order is delivered and billed.
type SaleRecordedPayload struct {
	OrderID  string     `json:"order_id"`
	ClientID string     `json:"client_id,omitempty"`
	Amount   float64    `json:"amount"`
	Items    []SaleItem `json:"items,omitempty"`
}

func (p *SaleRecordedPayload) EventType() string { return SaleRecorded }

func (p *SaleRecordedPayload) Validate() error {
	if p.OrderID == "" {
		return errors.New("sale_recorded: order_id is required")
	}
	if p.Amount < 0 {
		return errors.New("sale_recorded: amount must not be negative")
	}
	for i, it := range p.Items {
		if it.ProductID == "" {
			return fmt.Errorf("sale_recorded: items[%d].product_id is required", i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("sale_recorded: items[%d].quantity must be positive", i)
		}
	}
	return nil
}

// QuoteConvertedPayload is emitted when a quote becomes an order.
type QuoteConvertedPayload struct {
	QuoteID       string  `json:"quote_id"`
	OrderID       string  `json:"order_id"`
	ClientID      string  `json:"client_id,omitempty"`
	Amount        float64 `json:"amount"`
	CustomerPhone string  `json:"customer_phone,omitempty"`
}

func (p *QuoteConvertedPayload) EventType() string { return QuoteConverted }

func (p *QuoteConvertedPayload) Validate() error {
	if p.QuoteID == "" || p.OrderID == "" {
		return errors.New("quote_converted: quote_id and order_id are required")
	}
	return nil
}

// OrderStatusChangedPayload is emitted on every order status transition.
type OrderStatusChangedPayload struct {
	OrderID       string `json:"order_id"`
	OldStatus     string `json:"old_status"`
	NewStatus     string `json:"new_status"`
	CustomerPhone string `json:"customer_phone,omitempty"`
}

func (p *OrderStatusChangedPayload) EventType() string { return OrderStatusChanged }

func (p *OrderStatusChangedPayload) Validate() error {
	if p.OrderID == "" {
		return errors.New("order_status_changed: order_id is required")
	}
	if p.NewStatus == "" {
		return errors.New("order_status_changed: new_status is required")
	}
	return nil
}

// StockUpdatedPayload covers receipts and manual adjustments.
type StockUpdatedPayload struct {
	Type          string   `json:"-"`
	ProductID     string   `json:"product_id"`
	Delta         float64  `json:"delta"`
	QuantityAfter *float64 `json:"quantity_after,omitempty"`
	ReferenceID   string   `json:"reference_id,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

func (p *StockUpdatedPayload) EventType() string {
	if p.Type != "" {
		return p.Type
	}
	return StockUpdated
}

func (p *StockUpdatedPayload) Validate() error {
	if p.ProductID == "" {
		return errors.New("stock_updated: product_id is required")
	}
	return nil
}

// CustomerOptedOutPayload is emitted when a customer stops WhatsApp messages.
type CustomerOptedOutPayload struct {
	Phone  string `json:"phone"`
	Reason string `json:"reason,omitempty"`
}

func (p *CustomerOptedOutPayload) EventType() string { return CustomerOptedOut }

func (p *CustomerOptedOutPayload) Validate() error {
	if p.Phone == "" {
		return errors.New("customer_opted_out: phone is required")
	}
	return nil
}

// WhatsAppMessageQueuedPayload is emitted by the notifier for each message
// it queues. The sender delivers the message it names.
type WhatsAppMessageQueuedPayload struct {
	MessageID string `json:"message_id"`
	Template  string `json:"template,omitempty"`
}

func (p *WhatsAppMessageQueuedPayload) EventType() string { return WhatsAppMessageQueued }

func (p *WhatsAppMessageQueuedPayload) Validate() error {
	if p.MessageID == "" {
		return errors.New("whatsapp_message_queued: message_id is required")
	}
	return nil
}
