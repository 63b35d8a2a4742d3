package messaging

import (
	"context"
	"fmt"

	"github.com/basecore/eventpipe"
	"github.com/basecore/eventpipe/envelope"
	"github.com/basecore/eventpipe/events"
	"github.com/basecore/eventpipe/outbox"
	"github.com/basecore/eventpipe/transaction"
	"github.com/basecore/eventpipe/transport"
)

// Result statuses reported to the ledger.
const (
	resultQueued    = "queued"
	resultDuplicate = "already_queued"
	resultNoPhone   = "no_phone"
	resultOptedOut  = "opted_out"
	resultRecorded  = "opt_out_recorded"
)

type notifyResult struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
}

func (n *Notifier) orderStatusChanged(ctx context.Context, tx transaction.Transaction, env envelope.Envelope, p *events.OrderStatusChangedPayload) (any, error) {
	return n.queue(ctx, tx, env, p.CustomerPhone, TemplateOrderStatus, map[string]string{
		"order_id": p.OrderID,
		"status":   p.NewStatus,
	})
}

func (n *Notifier) quoteConverted(ctx context.Context, tx transaction.Transaction, env envelope.Envelope, p *events.QuoteConvertedPayload) (any, error) {
	return n.queue(ctx, tx, env, p.CustomerPhone, TemplateQuoteConverted, map[string]string{
		"quote_id": p.QuoteID,
		"order_id": p.OrderID,
	})
}

func (n *Notifier) customerOptedOut(ctx context.Context, tx transaction.Transaction, env envelope.Envelope, p *events.CustomerOptedOutPayload) (any, error) {
	phone, err := NormalizePhone(p.Phone)
	if err != nil {
		return nil, eventpipe.Permanent(fmt.Errorf("%w: %s", err, p.Phone))
	}
	err = n.store.RecordOptOut(ctx, tx, OptOut{
		TenantID:   env.TenantID,
		Phone:      phone,
		Reason:     p.Reason,
		OptedOutAt: n.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("record opt-out: %w", err)
	}
	n.logger.Info("customer opted out", "event_id", env.EventID, "tenant_id", env.TenantID)
	return notifyResult{Status: resultRecorded}, nil
}

func (n *Notifier) queue(ctx context.Context, tx transaction.Transaction, env envelope.Envelope, rawPhone, template string, params map[string]string) (any, error) {
	if rawPhone == "" {
		return notifyResult{Status: resultNoPhone}, nil
	}
	phone, err := NormalizePhone(rawPhone)
	if err != nil {
		// Nothing to send to; retrying cannot fix it.
		n.logger.Warn("skipping message with invalid phone", "event_id", env.EventID)
		return notifyResult{Status: resultNoPhone}, nil
	}

	opted, err := n.store.IsOptedOut(ctx, tx, env.TenantID, phone)
	if err != nil {
		return nil, fmt.Errorf("check opt-out: %w", err)
	}
	if opted {
		return notifyResult{Status: resultOptedOut}, nil
	}

	msg := OutboundMessage{
		ID:            transport.NewID(),
		EventID:       env.EventID,
		TenantID:      env.TenantID,
		Phone:         phone,
		Template:      template,
		Params:        params,
		Body:          n.render(template, params),
		Status:        StatusQueued,
		CorrelationID: env.CorrelationID,
		CreatedAt:     n.now().UTC(),
	}
	inserted, err := n.store.QueueOutbound(ctx, tx, msg)
	if err != nil {
		return nil, fmt.Errorf("queue outbound message: %w", err)
	}
	if !inserted {
		return notifyResult{Status: resultDuplicate}, nil
	}
	if n.outbox != nil {
		_, err := n.outbox.Append(ctx, tx, env.TenantID, events.WhatsAppMessageQueued,
			events.WhatsAppMessageQueuedPayload{MessageID: msg.ID, Template: template},
			outbox.WithEventID(msg.ID),
			outbox.WithVertical(env.Vertical),
			outbox.WithCorrelationID(env.CorrelationID))
		if err != nil {
			return nil, fmt.Errorf("announce queued message: %w", err)
		}
	}

	n.logger.Debug("queued outbound message",
		"event_id", env.EventID,
		"tenant_id", env.TenantID,
		"template", template)
	return notifyResult{Status: resultQueued, MessageID: msg.ID}, nil
}
