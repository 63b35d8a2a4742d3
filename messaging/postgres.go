package messaging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basecore/eventpipe/transaction"
)

// PostgresStore writes notifier rows through the worker's SQL transaction.
//
// Table Schema:
//
//	CREATE TABLE whatsapp_outbound_messages (
//	    id             UUID PRIMARY KEY,
//	    event_id       UUID NOT NULL UNIQUE,
//	    tenant_id      UUID NOT NULL,
//	    phone          VARCHAR(32) NOT NULL,
//	    template       VARCHAR(64) NOT NULL,
//	    params         JSONB,
//	    body           TEXT NOT NULL,
//	    status         VARCHAR(16) NOT NULL DEFAULT 'queued',
//	    correlation_id VARCHAR(255),
//	    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    provider_message_id VARCHAR(128),
//	    last_error     TEXT,
//	    sent_at        TIMESTAMPTZ
//	);
//	CREATE TABLE whatsapp_opt_outs (
//	    tenant_id    UUID NOT NULL,
//	    phone        VARCHAR(32) NOT NULL,
//	    reason       TEXT,
//	    opted_out_at TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (tenant_id, phone)
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateTables creates the notifier tables if missing.
func (s *PostgresStore) CreateTables(ctx context.Context) error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS whatsapp_outbound_messages (
			id             UUID PRIMARY KEY,
			event_id       UUID NOT NULL UNIQUE,
			tenant_id      UUID NOT NULL,
			phone          VARCHAR(32) NOT NULL,
			template       VARCHAR(64) NOT NULL,
			params         JSONB,
			body           TEXT NOT NULL,
			status         VARCHAR(16) NOT NULL DEFAULT 'queued',
			correlation_id VARCHAR(255),
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			provider_message_id VARCHAR(128),
			last_error     TEXT,
			sent_at        TIMESTAMPTZ
		)`, `
		CREATE INDEX IF NOT EXISTS idx_whatsapp_outbound_status
		ON whatsapp_outbound_messages (status, created_at)`, `
		CREATE TABLE IF NOT EXISTS whatsapp_opt_outs (
			tenant_id    UUID NOT NULL,
			phone        VARCHAR(32) NOT NULL,
			reason       TEXT,
			opted_out_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, phone)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) QueueOutbound(ctx context.Context, tx transaction.Transaction, msg OutboundMessage) (bool, error) {
	sqlTx, err := transaction.SQLTx(tx)
	if err != nil {
		return false, err
	}
	params, err := json.Marshal(msg.Params)
	if err != nil {
		return false, fmt.Errorf("marshal params: %w", err)
	}

	res, err := sqlTx.ExecContext(ctx, `
		INSERT INTO whatsapp_outbound_messages
			(id, event_id, tenant_id, phone, template, params, body, status, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
		ON CONFLICT (event_id) DO NOTHING
	`, msg.ID, msg.EventID, msg.TenantID, msg.Phone, msg.Template, string(params), msg.Body, msg.Status, msg.CorrelationID, msg.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert outbound message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) RecordOptOut(ctx context.Context, tx transaction.Transaction, o OptOut) error {
	sqlTx, err := transaction.SQLTx(tx)
	if err != nil {
		return err
	}
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO whatsapp_opt_outs (tenant_id, phone, reason, opted_out_at)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (tenant_id, phone) DO UPDATE
		SET reason = EXCLUDED.reason, opted_out_at = EXCLUDED.opted_out_at
	`, o.TenantID, o.Phone, o.Reason, o.OptedOutAt)
	return err
}

func (s *PostgresStore) IsOptedOut(ctx context.Context, tx transaction.Transaction, tenantID, phone string) (bool, error) {
	sqlTx, err := transaction.SQLTx(tx)
	if err != nil {
		return false, err
	}
	var exists bool
	err = sqlTx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM whatsapp_opt_outs WHERE tenant_id = $1 AND phone = $2)
	`, tenantID, phone).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) GetOutbound(ctx context.Context, tx transaction.Transaction, id string) (*OutboundMessage, error) {
	sqlTx, err := transaction.SQLTx(tx)
	if err != nil {
		return nil, err
	}
	var (
		msg        OutboundMessage
		params     []byte
		corr       sql.NullString
		providerID sql.NullString
		lastErr    sql.NullString
		sentAt     sql.NullTime
	)
	err = sqlTx.QueryRowContext(ctx, `
		SELECT id, event_id, tenant_id, phone, template, params, body, status,
		       correlation_id, created_at, provider_message_id, last_error, sent_at
		FROM whatsapp_outbound_messages
		WHERE id = $1
	`, id).Scan(&msg.ID, &msg.EventID, &msg.TenantID, &msg.Phone, &msg.Template, &params, &msg.Body, &msg.Status,
		&corr, &msg.CreatedAt, &providerID, &lastErr, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &msg.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	msg.CorrelationID = corr.String
	msg.ProviderMessageID = providerID.String
	msg.LastError = lastErr.String
	if sentAt.Valid {
		msg.SentAt = &sentAt.Time
	}
	return &msg, nil
}

func (s *PostgresStore) MarkSent(ctx context.Context, tx transaction.Transaction, id, providerMessageID string, at time.Time) error {
	sqlTx, err := transaction.SQLTx(tx)
	if err != nil {
		return err
	}
	_, err = sqlTx.ExecContext(ctx, `
		UPDATE whatsapp_outbound_messages
		SET status = $2, provider_message_id = NULLIF($3, ''), sent_at = $4, last_error = NULL
		WHERE id = $1
	`, id, StatusSent, providerMessageID, at)
	return err
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE whatsapp_outbound_messages
		SET status = $2, last_error = $3
		WHERE id = $1 AND status <> $4
	`, id, StatusFailed, reason, StatusSent)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM whatsapp_outbound_messages WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrMessageNotFound
		}
	}
	return nil
}

// Compile-time check
var _ Store = (*PostgresStore)(nil)
