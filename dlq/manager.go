package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basecore/eventpipe/internal/metrics"
	"github.com/basecore/eventpipe/transport"
	"github.com/google/uuid"
)

// Manager handles dead-letter operations including replay.
//
// Example:
//
//	manager := dlq.NewManager(dlq.NewPostgresStore(db), stream)
//
//	// Worker path: give up on a delivery
//	manager.Store(ctx, "stock", delivery, err)
//
//	// Operator path
//	entries, _ := manager.List(ctx, "stock")
//	streamID, err := manager.Replay(ctx, entries[0].EventID, "stock")
type Manager struct {
	store  Store
	stream transport.Stream
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a new dead-letter manager.
//
// The stream is used to re-inject replayed envelopes; it may be nil for a
// manager that only stores and lists entries.
func NewManager(store Store, stream transport.Stream) *Manager {
	return &Manager{
		store:  store,
		stream: stream,
		logger: transport.Logger("dlq.manager"),
		now:    time.Now,
	}
}

// WithLogger sets a custom logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	if l != nil {
		m.logger = l
	}
	return m
}

// Store dead-letters a delivery for group.
//
// AttemptCount is the delivery's durable attempt number, the number of
// times the handler ran for it.
func (m *Manager) Store(ctx context.Context, group string, d transport.Delivery, cause error) (*Entry, error) {
	lastError := "unknown error"
	if cause != nil {
		lastError = cause.Error()
	}
	env := d.Envelope.Clone()
	env.ReplayGroup = ""

	entry := &Entry{
		ID:           uuid.New().String(),
		EventID:      env.EventID,
		Group:        group,
		StreamID:     d.StreamID,
		LastError:    lastError,
		AttemptCount: d.Attempt,
		Envelope:     env,
		CreatedAt:    m.now().UTC(),
	}

	if err := m.store.Store(ctx, entry); err != nil {
		m.logger.Error("failed to store dead-letter entry",
			"group", group,
			"event_id", entry.EventID,
			"error", err)
		return nil, fmt.Errorf("store dead-letter entry: %w", err)
	}
	metrics.DeadLetters.WithLabelValues(group, env.EventType).Inc()

	m.logger.Warn("dead-lettered event",
		"group", group,
		"event_id", entry.EventID,
		"event_type", env.EventType,
		"stream_id", d.StreamID,
		"attempts", d.Attempt,
		"error", lastError)

	return entry, nil
}

// Get retrieves the entry for an event in a group
func (m *Manager) Get(ctx context.Context, eventID, group string) (*Entry, error) {
	return m.store.Get(ctx, eventID, group)
}

// List returns every entry of a group, oldest first
func (m *Manager) List(ctx context.Context, group string) ([]*Entry, error) {
	return m.store.List(ctx, Filter{Group: group})
}

// ListFiltered returns entries matching the filter
func (m *Manager) ListFiltered(ctx context.Context, filter Filter) ([]*Entry, error) {
	return m.store.List(ctx, filter)
}

// Count returns the number of entries of a group (all groups if empty)
func (m *Manager) Count(ctx context.Context, group string) (int64, error) {
	return m.store.Count(ctx, Filter{Group: group})
}

// Replay re-injects a dead-lettered envelope into the stream for group
// only, then deletes the entry.
//
// Other groups receive the replayed message too and ack it without
// processing. If the append fails the entry is kept. If the delete fails
// after a successful append the error is returned; a second replay would
// re-append, which the processed-event ledger absorbs.
func (m *Manager) Replay(ctx context.Context, eventID, group string) (string, error) {
	if m.stream == nil {
		return "", errors.New("dlq: replay requires a stream")
	}

	entry, err := m.store.Get(ctx, eventID, group)
	if err != nil {
		return "", fmt.Errorf("get entry: %w", err)
	}

	streamID, err := m.stream.Append(ctx, entry.Envelope.Replay(group))
	if err != nil {
		return "", fmt.Errorf("replay append: %w", err)
	}

	if err := m.store.Delete(ctx, eventID, group); err != nil {
		return streamID, fmt.Errorf("delete replayed entry: %w", err)
	}

	m.logger.Info("replayed dead-letter entry",
		"group", group,
		"event_id", eventID,
		"event_type", entry.Envelope.EventType,
		"stream_id", streamID)

	return streamID, nil
}

// ReplayAll replays every entry matching the filter.
//
// Replay continues past individual failures; the returned error joins them.
func (m *Manager) ReplayAll(ctx context.Context, filter Filter) (int, error) {
	entries, err := m.store.List(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("list entries: %w", err)
	}

	var errs []error
	replayed := 0
	for _, e := range entries {
		if _, err := m.Replay(ctx, e.EventID, e.Group); err != nil {
			m.logger.Error("failed to replay entry",
				"group", e.Group,
				"event_id", e.EventID,
				"error", err)
			errs = append(errs, err)
			continue
		}
		replayed++
	}

	m.logger.Info("replayed dead-letter entries",
		"total", len(entries),
		"replayed", replayed)

	return replayed, errors.Join(errs...)
}

// Stats returns dead-letter statistics
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	if sp, ok := m.store.(StatsProvider); ok {
		return sp.Stats(ctx)
	}

	// Fallback: compute from the full list
	entries, err := m.store.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	return statsOf(entries), nil
}
