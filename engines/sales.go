package engines

import (
	"context"
	"fmt"

	"github.com/basecore/eventpipe/envelope"
	"github.com/basecore/eventpipe/events"
	"github.com/basecore/eventpipe/registry"
	"github.com/basecore/eventpipe/transaction"
)

type salesResult struct {
	OrderID string `json:"order_id"`
	QuoteID string `json:"quote_id,omitempty"`
	Facts   int    `json:"facts"`
}

// Sales returns the registry of the sales engine.
func (e *Engines) Sales() *registry.Registry {
	reg := registry.New(GroupSales)
	reg.MustRegister(events.SaleRecorded, registry.Typed(e.salesSale))
	reg.MustRegister(events.QuoteConverted, registry.Typed(e.salesConversion))
	return reg
}

// salesSale records one fact per item line, or a single order-level fact
// carrying the amount when the sale has no lines.
func (e *Engines) salesSale(ctx context.Context, tx transaction.Transaction, env envelope.Envelope, p *events.SaleRecordedPayload) (any, error) {
	base := SalesFact{
		EventID:    env.EventID,
		TenantID:   env.TenantID,
		Kind:       FactSale,
		OrderID:    p.OrderID,
		ClientID:   p.ClientID,
		OccurredAt: occurredAt(env.OccurredAt),
	}

	facts := make([]SalesFact, 0, max(len(p.Items), 1))
	if len(p.Items) == 0 {
		f := base
		f.TotalValue = p.Amount
		facts = append(facts, f)
	}
	for i, item := range p.Items {
		f := base
		f.Line = i
		f.ProductID = item.ProductID
		f.Quantity = item.Quantity
		f.UnitPrice = item.UnitPrice
		f.TotalValue = item.Quantity * item.UnitPrice
		facts = append(facts, f)
	}

	res := salesResult{OrderID: p.OrderID}
	for _, f := range facts {
		inserted, err := e.store.InsertSalesFact(ctx, tx, f)
		if err != nil {
			return nil, fmt.Errorf("record sales fact: %w", err)
		}
		if inserted {
			res.Facts++
		}
	}
	return res, nil
}

func (e *Engines) salesConversion(ctx context.Context, tx transaction.Transaction, env envelope.Envelope, p *events.QuoteConvertedPayload) (any, error) {
	inserted, err := e.store.InsertSalesFact(ctx, tx, SalesFact{
		EventID:    env.EventID,
		TenantID:   env.TenantID,
		Kind:       FactConversion,
		OrderID:    p.OrderID,
		QuoteID:    p.QuoteID,
		ClientID:   p.ClientID,
		TotalValue: p.Amount,
		OccurredAt: occurredAt(env.OccurredAt),
	})
	if err != nil {
		return nil, fmt.Errorf("record conversion: %w", err)
	}
	res := salesResult{OrderID: p.OrderID, QuoteID: p.QuoteID}
	if inserted {
		res.Facts = 1
	}
	return res, nil
}
