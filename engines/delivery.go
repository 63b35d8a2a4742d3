package engines

import (
	"context"
	"fmt"

	"github.com/basecore/eventpipe/envelope"
	"github.com/basecore/eventpipe/events"
	"github.com/basecore/eventpipe/registry"
	"github.com/basecore/eventpipe/transaction"
)

// Delivery returns the registry of the delivery engine.
func (e *Engines) Delivery() *registry.Registry {
	reg := registry.New(GroupDelivery)
	reg.MustRegister(events.OrderStatusChanged, registry.Typed(e.deliveryStatus))
	return reg
}

func (e *Engines) deliveryStatus(ctx context.Context, tx transaction.Transaction, env envelope.Envelope, p *events.OrderStatusChangedPayload) (any, error) {
	_, err := e.store.InsertDeliveryEntry(ctx, tx, DeliveryEntry{
		EventID:    env.EventID,
		TenantID:   env.TenantID,
		OrderID:    p.OrderID,
		OldStatus:  p.OldStatus,
		NewStatus:  p.NewStatus,
		OccurredAt: occurredAt(env.OccurredAt),
	})
	if err != nil {
		return nil, fmt.Errorf("record delivery status: %w", err)
	}
	return map[string]string{"order_id": p.OrderID, "status": p.NewStatus}, nil
}
