package engines

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/basecore/eventpipe/envelope"
	"github.com/basecore/eventpipe/events"
	"github.com/basecore/eventpipe/registry"
	"github.com/basecore/eventpipe/transaction"
)

// Rupture alert parameters.
const (
	LeadTimeDays       = 7
	SafetyStockPercent = 20.0
	SalesWindowDays    = 90
)

type stockResult struct {
	OrderID   string `json:"order_id,omitempty"`
	ProductID string `json:"product_id,omitempty"`
	Movements int    `json:"movements"`
	Alerts    int    `json:"alerts,omitempty"`
}

// Stock returns the registry of the stock engine.
func (e *Engines) Stock() *registry.Registry {
	reg := registry.New(GroupStock)
	reg.MustRegister(events.SaleRecorded, registry.Typed(e.stockSale))
	reg.MustRegister(events.StockUpdated, registry.Typed(e.stockAdjusted))
	reg.MustRegister(events.StockReceived, registry.Typed(e.stockAdjusted))
	return reg
}

// stockSale records a negative movement per sold item. A sale without
// item lines still records one order-level movement.
//
// When an item carries no stock level, the level is derived from the last
// known one. Items whose resulting level falls under the minimum stock get
// a rupture alert.
func (e *Engines) stockSale(ctx context.Context, tx transaction.Transaction, env envelope.Envelope, p *events.SaleRecordedPayload) (any, error) {
	at := occurredAt(env.OccurredAt)
	base := StockMovement{
		EventID:      env.EventID,
		TenantID:     env.TenantID,
		MovementType: MovementSale,
		ReferenceID:  p.OrderID,
		OccurredAt:   at,
	}
	res := stockResult{OrderID: p.OrderID}
	if len(p.Items) == 0 {
		inserted, err := e.store.InsertStockMovement(ctx, tx, base)
		if err != nil {
			return nil, fmt.Errorf("record stock movement: %w", err)
		}
		if inserted {
			res.Movements++
		}
		return res, nil
	}

	// Levels and quantities of products touched earlier in this event.
	levels := make(map[string]float64)
	sold := make(map[string]float64)
	for i, item := range p.Items {
		m := base
		m.Line = i
		m.ProductID = item.ProductID
		m.QuantityDelta = -item.Quantity
		m.QuantityAfter = item.StockAfter

		if item.ProductID != "" && m.QuantityAfter == nil {
			level, known := levels[item.ProductID]
			if !known {
				var err error
				level, known, err = e.store.StockLevel(ctx, tx, env.TenantID, item.ProductID)
				if err != nil {
					return nil, fmt.Errorf("read stock level: %w", err)
				}
			}
			if known {
				after := math.Max(level-item.Quantity, 0)
				m.QuantityAfter = &after
			}
		}

		inserted, err := e.store.InsertStockMovement(ctx, tx, m)
		if err != nil {
			return nil, fmt.Errorf("record stock movement: %w", err)
		}
		if !inserted {
			continue
		}
		res.Movements++
		if item.ProductID == "" {
			continue
		}
		sold[item.ProductID] += item.Quantity
		if m.QuantityAfter == nil {
			continue
		}
		levels[item.ProductID] = *m.QuantityAfter

		alert, err := e.stockAlert(ctx, tx, env, item.ProductID, *m.QuantityAfter, sold[item.ProductID], at)
		if err != nil {
			return nil, err
		}
		if alert {
			res.Alerts++
		}
	}

	e.logger.Debug("stock engine processed sale",
		"event_id", env.EventID,
		"tenant_id", env.TenantID,
		"order_id", p.OrderID,
		"movements", res.Movements,
		"alerts", res.Alerts)
	return res, nil
}

// stockAlert upserts the rupture alert of a product whose level is under
// the minimum stock. The minimum covers the lead time at the average daily
// sales of the window ending at the event, plus the safety margin.
// Products without sales history never alert.
func (e *Engines) stockAlert(ctx context.Context, tx transaction.Transaction, env envelope.Envelope, productID string, level, soldNow float64, at time.Time) (bool, error) {
	since := at.AddDate(0, 0, -SalesWindowDays)
	history, err := e.store.SoldSince(ctx, tx, env.TenantID, productID, since, env.EventID)
	if err != nil {
		return false, fmt.Errorf("read sales history: %w", err)
	}
	avg := (history + soldNow) / SalesWindowDays
	if avg <= 0 {
		return false, nil
	}
	minimum := avg * LeadTimeDays * (1 + SafetyStockPercent/100)
	if level >= minimum {
		return false, nil
	}

	days := int(level / avg)
	alert := StockAlert{
		TenantID:         env.TenantID,
		ProductID:        productID,
		AlertType:        AlertRupture,
		RiskLevel:        riskLevel(days),
		CurrentStock:     level,
		MinimumStock:     minimum,
		AvgDailySales:    avg,
		DaysUntilRupture: days,
		EventID:          env.EventID,
		UpdatedAt:        at,
	}
	if err := e.store.UpsertStockAlert(ctx, tx, alert); err != nil {
		return false, fmt.Errorf("upsert stock alert: %w", err)
	}
	e.logger.Info("stock rupture alert",
		"tenant_id", env.TenantID,
		"product_id", productID,
		"risk_level", alert.RiskLevel,
		"current_stock", level,
		"minimum_stock", minimum,
		"days_until_rupture", days)
	return true, nil
}

func riskLevel(days int) string {
	switch {
	case days <= 7:
		return RiskHigh
	case days <= 14:
		return RiskMedium
	default:
		return RiskLow
	}
}

func (e *Engines) stockAdjusted(ctx context.Context, tx transaction.Transaction, env envelope.Envelope, p *events.StockUpdatedPayload) (any, error) {
	kind := MovementAdjustment
	if env.EventType == events.StockReceived {
		kind = MovementReceipt
	}
	inserted, err := e.store.InsertStockMovement(ctx, tx, StockMovement{
		EventID:       env.EventID,
		TenantID:      env.TenantID,
		ProductID:     p.ProductID,
		MovementType:  kind,
		QuantityDelta: p.Delta,
		QuantityAfter: p.QuantityAfter,
		ReferenceID:   p.ReferenceID,
		OccurredAt:    occurredAt(env.OccurredAt),
	})
	if err != nil {
		return nil, fmt.Errorf("record stock movement: %w", err)
	}
	res := stockResult{ProductID: p.ProductID}
	if inserted {
		res.Movements = 1
	}
	return res, nil
}
