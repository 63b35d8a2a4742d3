package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basecore/eventpipe"
	"github.com/basecore/eventpipe/transaction"
)

// PostgresStore implements Store for PostgreSQL.
//
// The payload column is JSON (not JSONB) so the stored text is exactly the
// bytes the producer wrote. seq orders events created at the same instant.
//
// Schema:
//
//	CREATE TABLE event_outbox (
//	    seq            BIGSERIAL,
//	    event_id       UUID PRIMARY KEY,
//	    tenant_id      UUID NOT NULL,
//	    event_type     VARCHAR(100) NOT NULL,
//	    vertical       VARCHAR(50) NOT NULL DEFAULT 'materials',
//	    event_version  INT NOT NULL DEFAULT 1,
//	    payload        JSON NOT NULL,
//	    correlation_id VARCHAR(100),
//	    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    published_at   TIMESTAMPTZ
//	);
//	CREATE INDEX idx_event_outbox_pending ON event_outbox (created_at, seq) WHERE published_at IS NULL;
//
// Usage:
//
//	db, err := sql.Open("pgx", connString)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store := outbox.NewPostgresStore(db)
type PostgresStore struct {
	db        *sql.DB
	tableName string
	now       func() time.Time
}

// NewPostgresStore creates a new PostgreSQL outbox store on the
// "event_outbox" table.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:        db,
		tableName: "event_outbox",
		now:       time.Now,
	}
}

// WithTableName sets a custom table name.
func (s *PostgresStore) WithTableName(name string) *PostgresStore {
	s.tableName = name
	return s
}

// CreateTable creates the outbox table and its pending index if missing.
func (s *PostgresStore) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			seq            BIGSERIAL,
			event_id       UUID PRIMARY KEY,
			tenant_id      UUID NOT NULL,
			event_type     VARCHAR(100) NOT NULL,
			vertical       VARCHAR(50) NOT NULL DEFAULT 'materials',
			event_version  INT NOT NULL DEFAULT 1,
			payload        JSON NOT NULL,
			correlation_id VARCHAR(100),
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			published_at   TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_pending ON %[1]s (created_at, seq) WHERE published_at IS NULL;
	`, s.tableName)

	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Insert adds an event within the caller's SQL transaction.
func (s *PostgresStore) Insert(ctx context.Context, tx transaction.Transaction, ev *Event) error {
	sqlTx, err := transaction.SQLTx(tx)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (event_id, tenant_id, event_type, vertical, event_version, payload, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		RETURNING seq
	`, s.tableName)

	return sqlTx.QueryRowContext(ctx, query,
		ev.ID,
		ev.TenantID,
		ev.EventType,
		ev.Vertical,
		ev.Version,
		string(ev.Payload),
		ev.CorrelationID,
		ev.CreatedAt,
	).Scan(&ev.seq)
}

// FetchPending returns pending events, oldest first.
func (s *PostgresStore) FetchPending(ctx context.Context, limit int) ([]*Event, error) {
	query := fmt.Sprintf(`
		SELECT seq, event_id, tenant_id, event_type, vertical, event_version,
		       payload::text, COALESCE(correlation_id, ''), created_at
		FROM %s
		WHERE published_at IS NULL
		ORDER BY created_at, seq
		LIMIT $1
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []*Event
	for rows.Next() {
		var ev Event
		var payload string
		err := rows.Scan(
			&ev.seq,
			&ev.ID,
			&ev.TenantID,
			&ev.EventType,
			&ev.Vertical,
			&ev.Version,
			&payload,
			&ev.CorrelationID,
			&ev.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		ev.Payload = []byte(payload)
		pending = append(pending, &ev)
	}

	return pending, rows.Err()
}

// MarkPublished sets published_at for all ids in a single transaction.
//
// The update only matches rows that are still pending. When fewer rows
// match than ids were given, the transaction rolls back and a
// *eventpipe.PublishConflictError lists the ids that did not match.
func (s *PostgresStore) MarkPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		UPDATE %s
		SET published_at = $1
		WHERE event_id = ANY($2) AND published_at IS NULL
		RETURNING event_id
	`, s.tableName)

	rows, err := tx.QueryContext(ctx, query, s.now().UTC(), ids)
	if err != nil {
		return err
	}
	updated := make(map[string]struct{}, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		updated[id] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(updated) != len(ids) {
		return &eventpipe.PublishConflictError{IDs: missing(ids, updated)}
	}
	return tx.Commit()
}

// OldestPending returns the creation time of the oldest pending event.
func (s *PostgresStore) OldestPending(ctx context.Context) (time.Time, bool, error) {
	query := fmt.Sprintf(`SELECT MIN(created_at) FROM %s WHERE published_at IS NULL`, s.tableName)

	var oldest sql.NullTime
	if err := s.db.QueryRowContext(ctx, query).Scan(&oldest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return oldest.Time, oldest.Valid, nil
}

// PendingCount returns the number of pending events.
func (s *PostgresStore) PendingCount(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE published_at IS NULL`, s.tableName)

	var n int64
	err := s.db.QueryRowContext(ctx, query).Scan(&n)
	return n, err
}

func missing(ids []string, found map[string]struct{}) []string {
	var out []string
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Compile-time checks
var _ Store = (*PostgresStore)(nil)
