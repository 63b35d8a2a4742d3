package engines

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basecore/eventpipe/transaction"
)

// PostgresStore writes engine rows through the worker's SQL transaction.
//
// Table Schema:
//
//	CREATE TABLE engine_stock_movements (
//	    event_id       UUID NOT NULL,
//	    line           INT NOT NULL DEFAULT 0,
//	    tenant_id      UUID NOT NULL,
//	    product_id     VARCHAR(64),
//	    movement_type  VARCHAR(32) NOT NULL,
//	    quantity_delta NUMERIC(18,4) NOT NULL,
//	    quantity_after NUMERIC(18,4),
//	    reference_id   VARCHAR(64),
//	    occurred_at    TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (event_id, line)
//	);
//	CREATE TABLE engine_sales_facts (... PRIMARY KEY (event_id, line));
//	CREATE TABLE engine_delivery_log (event_id UUID PRIMARY KEY, ...);
//	CREATE TABLE engine_stock_alerts (... PRIMARY KEY (tenant_id, product_id));
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateTables creates the engine tables if missing.
func (s *PostgresStore) CreateTables(ctx context.Context) error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS engine_stock_movements (
			event_id       UUID NOT NULL,
			line           INT NOT NULL DEFAULT 0,
			tenant_id      UUID NOT NULL,
			product_id     VARCHAR(64),
			movement_type  VARCHAR(32) NOT NULL,
			quantity_delta NUMERIC(18,4) NOT NULL,
			quantity_after NUMERIC(18,4),
			reference_id   VARCHAR(64),
			occurred_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (event_id, line)
		)`, `
		CREATE INDEX IF NOT EXISTS idx_engine_stock_movements_product
		ON engine_stock_movements (tenant_id, product_id, occurred_at)`, `
		CREATE TABLE IF NOT EXISTS engine_sales_facts (
			event_id    UUID NOT NULL,
			line        INT NOT NULL DEFAULT 0,
			tenant_id   UUID NOT NULL,
			kind        VARCHAR(16) NOT NULL,
			order_id    VARCHAR(64) NOT NULL,
			quote_id    VARCHAR(64),
			client_id   VARCHAR(64),
			product_id  VARCHAR(64),
			quantity    NUMERIC(18,4) NOT NULL DEFAULT 0,
			unit_price  NUMERIC(18,4) NOT NULL DEFAULT 0,
			total_value NUMERIC(18,4) NOT NULL DEFAULT 0,
			occurred_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (event_id, line)
		)`, `
		CREATE TABLE IF NOT EXISTS engine_delivery_log (
			event_id    UUID PRIMARY KEY,
			tenant_id   UUID NOT NULL,
			order_id    VARCHAR(64) NOT NULL,
			old_status  VARCHAR(32),
			new_status  VARCHAR(32) NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		)`, `
		CREATE TABLE IF NOT EXISTS engine_stock_alerts (
			tenant_id          UUID NOT NULL,
			product_id         VARCHAR(64) NOT NULL,
			alert_type         VARCHAR(32) NOT NULL,
			risk_level         VARCHAR(16) NOT NULL,
			current_stock      NUMERIC(18,4) NOT NULL,
			minimum_stock      NUMERIC(18,4) NOT NULL,
			avg_daily_sales    NUMERIC(18,4) NOT NULL,
			days_until_rupture INT NOT NULL,
			event_id           UUID NOT NULL,
			updated_at         TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, product_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) InsertStockMovement(ctx context.Context, tx transaction.Transaction, m StockMovement) (bool, error) {
	return exec(ctx, tx, `
		INSERT INTO engine_stock_movements
			(event_id, line, tenant_id, product_id, movement_type, quantity_delta, quantity_after, reference_id, occurred_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), $9)
		ON CONFLICT (event_id, line) DO NOTHING
	`, m.EventID, m.Line, m.TenantID, m.ProductID, m.MovementType, m.QuantityDelta, nullFloat(m.QuantityAfter), m.ReferenceID, m.OccurredAt)
}

func (s *PostgresStore) StockLevel(ctx context.Context, tx transaction.Transaction, tenantID, productID string) (float64, bool, error) {
	sqlTx, err := transaction.SQLTx(tx)
	if err != nil {
		return 0, false, err
	}
	var level float64
	err = sqlTx.QueryRowContext(ctx, `
		SELECT quantity_after FROM engine_stock_movements
		WHERE tenant_id = $1 AND product_id = $2 AND quantity_after IS NOT NULL
		ORDER BY occurred_at DESC, event_id DESC, line DESC
		LIMIT 1
	`, tenantID, productID).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return level, true, nil
}

func (s *PostgresStore) SoldSince(ctx context.Context, tx transaction.Transaction, tenantID, productID string, since time.Time, skipEventID string) (float64, error) {
	sqlTx, err := transaction.SQLTx(tx)
	if err != nil {
		return 0, err
	}
	var total float64
	err = sqlTx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(-quantity_delta), 0) FROM engine_stock_movements
		WHERE tenant_id = $1 AND product_id = $2 AND movement_type = $3
		  AND occurred_at >= $4 AND event_id <> $5
	`, tenantID, productID, MovementSale, since, skipEventID).Scan(&total)
	return total, err
}

func (s *PostgresStore) UpsertStockAlert(ctx context.Context, tx transaction.Transaction, a StockAlert) error {
	sqlTx, err := transaction.SQLTx(tx)
	if err != nil {
		return err
	}
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO engine_stock_alerts
			(tenant_id, product_id, alert_type, risk_level, current_stock, minimum_stock, avg_daily_sales, days_until_rupture, event_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, product_id) DO UPDATE SET
			alert_type = EXCLUDED.alert_type,
			risk_level = EXCLUDED.risk_level,
			current_stock = EXCLUDED.current_stock,
			minimum_stock = EXCLUDED.minimum_stock,
			avg_daily_sales = EXCLUDED.avg_daily_sales,
			days_until_rupture = EXCLUDED.days_until_rupture,
			event_id = EXCLUDED.event_id,
			updated_at = EXCLUDED.updated_at
	`, a.TenantID, a.ProductID, a.AlertType, a.RiskLevel, a.CurrentStock, a.MinimumStock, a.AvgDailySales, a.DaysUntilRupture, a.EventID, a.UpdatedAt)
	return err
}

func (s *PostgresStore) InsertSalesFact(ctx context.Context, tx transaction.Transaction, f SalesFact) (bool, error) {
	return exec(ctx, tx, `
		INSERT INTO engine_sales_facts
			(event_id, line, tenant_id, kind, order_id, quote_id, client_id, product_id, quantity, unit_price, total_value, occurred_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12)
		ON CONFLICT (event_id, line) DO NOTHING
	`, f.EventID, f.Line, f.TenantID, f.Kind, f.OrderID, f.QuoteID, f.ClientID, f.ProductID, f.Quantity, f.UnitPrice, f.TotalValue, f.OccurredAt)
}

func (s *PostgresStore) InsertDeliveryEntry(ctx context.Context, tx transaction.Transaction, d DeliveryEntry) (bool, error) {
	return exec(ctx, tx, `
		INSERT INTO engine_delivery_log (event_id, tenant_id, order_id, old_status, new_status, occurred_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`, d.EventID, d.TenantID, d.OrderID, d.OldStatus, d.NewStatus, d.OccurredAt)
}

// StockMovementCount returns the number of movements referencing an order or receipt.
func (s *PostgresStore) StockMovementCount(ctx context.Context, tenantID, referenceID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM engine_stock_movements
		WHERE tenant_id = $1 AND reference_id = $2
	`, tenantID, referenceID).Scan(&n)
	return n, err
}

func exec(ctx context.Context, tx transaction.Transaction, query string, args ...any) (bool, error) {
	sqlTx, err := transaction.SQLTx(tx)
	if err != nil {
		return false, err
	}
	res, err := sqlTx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// Compile-time check
var _ Store = (*PostgresStore)(nil)
