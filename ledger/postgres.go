package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basecore/eventpipe/transaction"
)

// PostgresStore implements Store using PostgreSQL.
//
// The primary key on (event_id, group_name) makes concurrent inserts for
// the same pair race safely: the loser's INSERT ... ON CONFLICT DO NOTHING
// affects no rows and the worker treats the delivery as a duplicate.
//
// Table Schema:
//
//	CREATE TABLE event_processed (
//	    event_id     UUID NOT NULL,
//	    group_name   VARCHAR(100) NOT NULL,
//	    tenant_id    UUID,
//	    event_type   VARCHAR(100),
//	    result       JSONB,
//	    processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    PRIMARY KEY (event_id, group_name)
//	);
type PostgresStore struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresTable sets the table name. Default is "event_processed".
func WithPostgresTable(table string) PostgresOption {
	return func(s *PostgresStore) {
		s.table = table
	}
}

// NewPostgresStore creates a PostgreSQL ledger.
func NewPostgresStore(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		db:    db,
		table: "event_processed",
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTable creates the ledger table if missing.
func (s *PostgresStore) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			event_id     UUID NOT NULL,
			group_name   VARCHAR(100) NOT NULL,
			tenant_id    UUID,
			event_type   VARCHAR(100),
			result       JSONB,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (event_id, group_name)
		)
	`, s.table)

	_, err := s.db.ExecContext(ctx, query)
	return err
}

// IsProcessed checks the ledger outside any transaction.
func (s *PostgresStore) IsProcessed(ctx context.Context, eventID, group string) (bool, error) {
	query := fmt.Sprintf(`
		SELECT EXISTS(
			SELECT 1 FROM %s
			WHERE event_id = $1 AND group_name = $2
		)
	`, s.table)

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, eventID, group).Scan(&exists); err != nil {
		return false, fmt.Errorf("query ledger: %w", err)
	}
	return exists, nil
}

// MarkProcessedTx inserts the record within the caller's SQL transaction.
func (s *PostgresStore) MarkProcessedTx(ctx context.Context, tx transaction.Transaction, rec Record) (bool, error) {
	if err := rec.validate(); err != nil {
		return false, err
	}
	sqlTx, err := transaction.SQLTx(tx)
	if err != nil {
		return false, err
	}
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = s.now().UTC()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (event_id, group_name, tenant_id, event_type, result, processed_at)
		VALUES ($1, $2, NULLIF($3, '')::uuid, NULLIF($4, ''), $5, $6)
		ON CONFLICT (event_id, group_name) DO NOTHING
	`, s.table)

	var result any
	if len(rec.Result) > 0 {
		result = string(rec.Result)
	}
	res, err := sqlTx.ExecContext(ctx, query, rec.EventID, rec.Group, rec.TenantID, rec.EventType, result, rec.ProcessedAt)
	if err != nil {
		return false, fmt.Errorf("insert ledger record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get returns the record for the pair.
func (s *PostgresStore) Get(ctx context.Context, eventID, group string) (*Record, error) {
	query := fmt.Sprintf(`
		SELECT event_id, group_name, COALESCE(tenant_id::text, ''), COALESCE(event_type, ''),
		       COALESCE(result::text, ''), processed_at
		FROM %s
		WHERE event_id = $1 AND group_name = $2
	`, s.table)

	var rec Record
	var result string
	err := s.db.QueryRowContext(ctx, query, eventID, group).Scan(
		&rec.EventID, &rec.Group, &rec.TenantID, &rec.EventType, &result, &rec.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if result != "" {
		rec.Result = json.RawMessage(result)
	}
	return &rec, nil
}

// Count returns the number of events group has applied.
func (s *PostgresStore) Count(ctx context.Context, group string) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE group_name = $1`, s.table)

	var n int64
	err := s.db.QueryRowContext(ctx, query, group).Scan(&n)
	return n, err
}

// Compile-time check
var _ Store = (*PostgresStore)(nil)
