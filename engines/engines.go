// Package engines holds the stock, sales and delivery consumer groups.
//
// Each engine owns its tables and builds its own registry. Handlers write
// only through the worker's transaction, so an engine row exists exactly
// when the processed-event record for its group does.
//
//	e := engines.New(engines.NewPostgresStore(db))
//	for _, reg := range e.Registries() {
//	    w, _ := worker.New(stream, reg, ledger, txm, dlqm)
//	    go w.Run(ctx)
//	}
package engines

import (
	"context"
	"log/slog"
	"time"

	"github.com/basecore/eventpipe/registry"
	"github.com/basecore/eventpipe/transaction"
	"github.com/basecore/eventpipe/transport"
)

// Consumer groups served by this package.
const (
	GroupStock    = "stock"
	GroupSales    = "sales"
	GroupDelivery = "delivery"
)

// Movement types
const (
	MovementSale       = "sale"
	MovementAdjustment = "adjustment"
	MovementReceipt    = "receipt"
)

// Alert types and risk levels
const (
	AlertRupture = "rupture"

	RiskHigh   = "high"
	RiskMedium = "medium"
	RiskLow    = "low"
)

// Sales fact kinds
const (
	FactSale       = "sale"
	FactConversion = "conversion"
)

// StockMovement is one row of engine_stock_movements.
// Line numbers the rows an event produced; (EventID, Line) is unique.
type StockMovement struct {
	EventID       string    `json:"event_id"`
	Line          int       `json:"line"`
	TenantID      string    `json:"tenant_id"`
	ProductID     string    `json:"product_id,omitempty"`
	MovementType  string    `json:"movement_type"`
	QuantityDelta float64   `json:"quantity_delta"`
	QuantityAfter *float64  `json:"quantity_after,omitempty"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// StockAlert is the active alert of a product, one per tenant and product.
type StockAlert struct {
	TenantID         string    `json:"tenant_id"`
	ProductID        string    `json:"product_id"`
	AlertType        string    `json:"alert_type"`
	RiskLevel        string    `json:"risk_level"`
	CurrentStock     float64   `json:"current_stock"`
	MinimumStock     float64   `json:"minimum_stock"`
	AvgDailySales    float64   `json:"avg_daily_sales"`
	DaysUntilRupture int       `json:"days_until_rupture"`
	EventID          string    `json:"event_id"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SalesFact is one row of engine_sales_facts.
type SalesFact struct {
	EventID    string    `json:"event_id"`
	Line       int       `json:"line"`
	TenantID   string    `json:"tenant_id"`
	Kind       string    `json:"kind"`
	OrderID    string    `json:"order_id"`
	QuoteID    string    `json:"quote_id,omitempty"`
	ClientID   string    `json:"client_id,omitempty"`
	ProductID  string    `json:"product_id,omitempty"`
	Quantity   float64   `json:"quantity"`
	UnitPrice  float64   `json:"unit_price"`
	TotalValue float64   `json:"total_value"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DeliveryEntry is one row of engine_delivery_log.
type DeliveryEntry struct {
	EventID    string    `json:"event_id"`
	TenantID   string    `json:"tenant_id"`
	OrderID    string    `json:"order_id"`
	OldStatus  string    `json:"old_status,omitempty"`
	NewStatus  string    `json:"new_status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Store persists engine rows inside the worker's transaction.
// Inserts report false when the row already exists.
type Store interface {
	InsertStockMovement(ctx context.Context, tx transaction.Transaction, m StockMovement) (bool, error)
	// StockLevel returns the most recent known level of a product.
	StockLevel(ctx context.Context, tx transaction.Transaction, tenantID, productID string) (float64, bool, error)
	// SoldSince sums the quantity sold of a product since a time, skipping
	// the movements of one event.
	SoldSince(ctx context.Context, tx transaction.Transaction, tenantID, productID string, since time.Time, skipEventID string) (float64, error)
	UpsertStockAlert(ctx context.Context, tx transaction.Transaction, a StockAlert) error
	InsertSalesFact(ctx context.Context, tx transaction.Transaction, f SalesFact) (bool, error)
	InsertDeliveryEntry(ctx context.Context, tx transaction.Transaction, d DeliveryEntry) (bool, error)
}

// Engines wires the engine handlers to a store.
type Engines struct {
	store  Store
	logger *slog.Logger
}

// Option configures Engines.
type Option func(*Engines)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engines) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates the engines over store.
func New(store Store, opts ...Option) *Engines {
	e := &Engines{
		store:  store,
		logger: transport.Logger("engines"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registries returns one registry per engine group.
func (e *Engines) Registries() []*registry.Registry {
	return []*registry.Registry{e.Stock(), e.Sales(), e.Delivery()}
}

// Registry returns the registry for a group, or nil if the group is not an engine.
func (e *Engines) Registry(group string) *registry.Registry {
	switch group {
	case GroupStock:
		return e.Stock()
	case GroupSales:
		return e.Sales()
	case GroupDelivery:
		return e.Delivery()
	default:
		return nil
	}
}

func occurredAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
