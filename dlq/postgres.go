package dlq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

/*
PostgreSQL Schema:

CREATE TABLE event_dead_letters (
    id             UUID PRIMARY KEY,
    event_id       UUID NOT NULL,
    group_name     VARCHAR(100) NOT NULL,
    stream_id      VARCHAR(64),
    tenant_id      UUID NOT NULL,
    event_type     VARCHAR(100) NOT NULL,
    vertical       VARCHAR(50) NOT NULL,
    event_version  INT NOT NULL DEFAULT 1,
    payload        JSON NOT NULL,
    occurred_at    TIMESTAMPTZ NOT NULL,
    correlation_id VARCHAR(100),
    last_error     TEXT NOT NULL,
    attempt_count  INT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (event_id, group_name)
);

CREATE INDEX idx_event_dead_letters_group ON event_dead_letters(group_name, created_at);
*/

// PostgresStore is a PostgreSQL-based dead-letter store.
// The envelope is stored column by column with the payload as JSON text,
// so a replay re-appends exactly the bytes that were dead-lettered.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore creates a new PostgreSQL dead-letter store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:    db,
		table: "event_dead_letters",
	}
}

// WithTable sets a custom table name
func (s *PostgresStore) WithTable(table string) *PostgresStore {
	s.table = table
	return s
}

// CreateTable creates the dead-letter table if missing
func (s *PostgresStore) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id             UUID PRIMARY KEY,
			event_id       UUID NOT NULL,
			group_name     VARCHAR(100) NOT NULL,
			stream_id      VARCHAR(64),
			tenant_id      UUID NOT NULL,
			event_type     VARCHAR(100) NOT NULL,
			vertical       VARCHAR(50) NOT NULL,
			event_version  INT NOT NULL DEFAULT 1,
			payload        JSON NOT NULL,
			occurred_at    TIMESTAMPTZ NOT NULL,
			correlation_id VARCHAR(100),
			last_error     TEXT NOT NULL,
			attempt_count  INT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (event_id, group_name)
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_group ON %[1]s (group_name, created_at);
	`, s.table)

	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Store adds an entry; an existing (event_id, group_name) row is kept
func (s *PostgresStore) Store(ctx context.Context, entry *Entry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	env := entry.Envelope
	payload := string(env.Payload)
	if payload == "" {
		payload = "{}"
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, event_id, group_name, stream_id, tenant_id, event_type, vertical,
			event_version, payload, occurred_at, correlation_id, last_error, attempt_count, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13, $14)
		ON CONFLICT (event_id, group_name) DO NOTHING
	`, s.table)

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.EventID,
		entry.Group,
		entry.StreamID,
		env.TenantID,
		env.EventType,
		env.Vertical,
		env.Version,
		payload,
		env.OccurredAt,
		env.CorrelationID,
		entry.LastError,
		entry.AttemptCount,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

const selectColumns = `id, event_id, group_name, COALESCE(stream_id, ''), tenant_id, event_type, vertical,
	event_version, payload::text, occurred_at, COALESCE(correlation_id, ''), last_error, attempt_count, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var payload string
	err := row.Scan(
		&e.ID,
		&e.EventID,
		&e.Group,
		&e.StreamID,
		&e.Envelope.TenantID,
		&e.Envelope.EventType,
		&e.Envelope.Vertical,
		&e.Envelope.Version,
		&payload,
		&e.Envelope.OccurredAt,
		&e.Envelope.CorrelationID,
		&e.LastError,
		&e.AttemptCount,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Envelope.EventID = e.EventID
	e.Envelope.Payload = []byte(payload)
	return &e, nil
}

// Get retrieves the entry for an event in a group
func (s *PostgresStore) Get(ctx context.Context, eventID, group string) (*Entry, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE event_id = $1 AND group_name = $2`, selectColumns, s.table)

	e, err := scanEntry(s.db.QueryRowContext(ctx, query, eventID, group))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return e, nil
}

// List returns entries matching the filter
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	query, args := s.buildListQuery(filter, false)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of entries matching the filter
func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int64, error) {
	query, args := s.buildListQuery(filter, true)

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return count, nil
}

// buildListQuery builds the SQL query for List and Count
func (s *PostgresStore) buildListQuery(filter Filter, countOnly bool) (string, []interface{}) {
	var conditions []string
	var args []interface{}
	argIndex := 1

	add := func(cond string, arg any) {
		conditions = append(conditions, fmt.Sprintf(cond, argIndex))
		args = append(args, arg)
		argIndex++
	}

	if filter.Group != "" {
		add("group_name = $%d", filter.Group)
	}
	if filter.EventType != "" {
		add("event_type = $%d", filter.EventType)
	}
	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("created_at <= $%d", filter.Until)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	if countOnly {
		return fmt.Sprintf("SELECT COUNT(*) FROM %s %s", s.table, whereClause), args
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		%s
		ORDER BY created_at, id
	`, selectColumns, s.table, whereClause)

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
		argIndex++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, filter.Offset)
	}

	return query, args
}

// Delete removes the entry for an event in a group
func (s *PostgresStore) Delete(ctx context.Context, eventID, group string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE event_id = $1 AND group_name = $2`, s.table)

	result, err := s.db.ExecContext(ctx, query, eventID, group)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats returns dead-letter statistics
func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		EntriesByGroup:     make(map[string]int64),
		EntriesByEventType: make(map[string]int64),
	}

	var oldest, newest sql.NullTime
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*), MIN(created_at), MAX(created_at) FROM %s", s.table),
	).Scan(&stats.TotalEntries, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("count total: %w", err)
	}
	if oldest.Valid {
		stats.OldestEntry = &oldest.Time
	}
	if newest.Valid {
		stats.NewestEntry = &newest.Time
	}

	if err := s.countBy(ctx, "group_name", stats.EntriesByGroup); err != nil {
		return nil, fmt.Errorf("count by group: %w", err)
	}
	if err := s.countBy(ctx, "event_type", stats.EntriesByEventType); err != nil {
		return nil, fmt.Errorf("count by event type: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) countBy(ctx context.Context, column string, into map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT %[1]s, COUNT(*) FROM %[2]s GROUP BY %[1]s", column, s.table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		into[key] = count
	}
	return rows.Err()
}

// Compile-time checks
var _ Store = (*PostgresStore)(nil)
var _ StatsProvider = (*PostgresStore)(nil)
