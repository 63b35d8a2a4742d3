// Package dlq stores events a consumer group gave up on and lets an
// operator replay them.
//
// An entry is written when a delivery exceeds the retry ceiling, or right
// away for permanent failures such as an unknown event type. Entries are
// never deleted automatically: an operator inspects them, fixes the cause
// and replays, which re-appends the envelope to the stream for that one
// group and removes the entry.
//
// # Basic Usage
//
//	store := dlq.NewPostgresStore(db)
//	manager := dlq.NewManager(store, stream)
//
//	// Inspect what the stock engine gave up on
//	entries, err := manager.List(ctx, "stock")
//
//	// Replay one after fixing the handler
//	streamID, err := manager.Replay(ctx, eventID, "stock")
//
// # Monitoring
//
//	stats, err := manager.Stats(ctx)
//	for group, count := range stats.EntriesByGroup {
//	    fmt.Printf("  %s: %d\n", group, count)
//	}
package dlq

import (
	"context"
	"errors"
	"time"

	"github.com/basecore/eventpipe/envelope"
)

// DLQ errors
var (
	ErrNotFound     = errors.New("dead-letter entry not found")
	ErrInvalidEntry = errors.New("dead-letter entry requires event_id and group")
)

// Entry is one dead-lettered delivery.
type Entry struct {
	ID           string            `json:"id"`
	EventID      string            `json:"event_id"`
	Group        string            `json:"group_name"`
	StreamID     string            `json:"stream_id,omitempty"`
	LastError    string            `json:"last_error"`
	AttemptCount int               `json:"attempt_count"`
	Envelope     envelope.Envelope `json:"envelope"`
	CreatedAt    time.Time         `json:"created_at"`
}

func (e *Entry) validate() error {
	if e.EventID == "" || e.Group == "" {
		return ErrInvalidEntry
	}
	return nil
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Envelope = e.Envelope.Clone()
	return &c
}

// Filter specifies criteria for listing entries.
//
// All fields are optional. Empty filter returns every entry, oldest first.
type Filter struct {
	Group     string    // Consumer group (empty = all groups)
	EventType string    // Event type (empty = all types)
	TenantID  string    // Tenant (empty = all tenants)
	Since     time.Time // Entries created at or after (zero = no minimum)
	Until     time.Time // Entries created at or before (zero = no maximum)
	Limit     int       // Maximum results (0 = no limit)
	Offset    int       // Offset for pagination
}

func (f Filter) match(e *Entry) bool {
	if f.Group != "" && e.Group != f.Group {
		return false
	}
	if f.EventType != "" && e.Envelope.EventType != f.EventType {
		return false
	}
	if f.TenantID != "" && e.Envelope.TenantID != f.TenantID {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

func (f Filter) page(entries []*Entry) []*Entry {
	if f.Offset >= len(entries) {
		return nil
	}
	entries = entries[f.Offset:]
	if f.Limit > 0 && len(entries) > f.Limit {
		entries = entries[:f.Limit]
	}
	return entries
}

// Store defines the interface for dead-letter storage.
//
// Implementations must be safe for concurrent use. At most one entry
// exists per (event_id, group).
//
// Implementations:
//   - PostgresStore: For PostgreSQL databases
//   - RedisStore: For Redis (see redis.go)
//   - MemoryStore: For testing (see memory.go)
type Store interface {
	// Store adds an entry. Storing a second entry for the same
	// (event_id, group) is a no-op, so a worker that crashed between
	// writing the entry and acking the message does not duplicate it.
	// A call that failed midway is completed by the next one.
	Store(ctx context.Context, entry *Entry) error

	// Get retrieves the entry for an event in a group.
	// Returns ErrNotFound if missing.
	Get(ctx context.Context, eventID, group string) (*Entry, error)

	// List returns entries matching the filter, oldest first.
	List(ctx context.Context, filter Filter) ([]*Entry, error)

	// Count returns the number of entries matching the filter.
	// Limit and Offset are ignored.
	Count(ctx context.Context, filter Filter) (int64, error)

	// Delete removes the entry for an event in a group.
	// Returns ErrNotFound if missing.
	Delete(ctx context.Context, eventID, group string) error
}

// Stats provides dead-letter statistics.
type Stats struct {
	TotalEntries       int64            `json:"total_entries"`
	EntriesByGroup     map[string]int64 `json:"entries_by_group"`
	EntriesByEventType map[string]int64 `json:"entries_by_event_type"`
	OldestEntry        *time.Time       `json:"oldest_entry,omitempty"`
	NewestEntry        *time.Time       `json:"newest_entry,omitempty"`
}

// StatsProvider is an optional interface for stores that compute
// statistics natively.
type StatsProvider interface {
	Stats(ctx context.Context) (*Stats, error)
}

func statsOf(entries []*Entry) *Stats {
	stats := &Stats{
		EntriesByGroup:     make(map[string]int64),
		EntriesByEventType: make(map[string]int64),
	}
	for _, e := range entries {
		stats.TotalEntries++
		stats.EntriesByGroup[e.Group]++
		stats.EntriesByEventType[e.Envelope.EventType]++
		created := e.CreatedAt
		if stats.OldestEntry == nil || created.Before(*stats.OldestEntry) {
			stats.OldestEntry = &created
		}
		if stats.NewestEntry == nil || created.After(*stats.NewestEntry) {
			stats.NewestEntry = &created
		}
	}
	return stats
}
