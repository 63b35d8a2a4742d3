// Package memory provides an in-process implementation of transport.Stream.
//
// It keeps the consumer-group semantics of the Redis stream (per-group
// cursor, per-consumer pending entries, delivery counts, idle-based claims)
// so workers can be exercised end-to-end without Redis.
//
// Entries are lost when the process exits. Use it for tests and for
// single-process development setups only.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basecore/eventpipe/envelope"
	"github.com/basecore/eventpipe/transport"
)

type entry struct {
	id  string
	env envelope.Envelope
}

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
	count       int
}

type group struct {
	next    int // index of the next undelivered entry
	pending map[string]*pendingEntry
}

// Stream implements transport.Stream in memory
type Stream struct {
	mu      sync.Mutex
	entries []entry
	index   map[string]int
	groups  map[string]*group
	seq     int64
	notify  chan struct{}
	closed  bool

	now    func() time.Time
	logger *slog.Logger
}

// Option configures the memory stream
type Option func(*Stream)

// WithClock sets the time source used for idle calculations
func WithClock(now func() time.Time) Option {
	return func(s *Stream) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates an empty in-memory stream
func New(opts ...Option) *Stream {
	s := &Stream{
		index:  make(map[string]int),
		groups: make(map[string]*group),
		notify: make(chan struct{}),
		now:    time.Now,
		logger: transport.Logger("transport>memory"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureGroup creates the group if missing
func (s *Stream) EnsureGroup(ctx context.Context, name, start string) error {
	if name == "" {
		return transport.ErrGroupRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return transport.ErrStreamClosed
	}
	if _, ok := s.groups[name]; ok {
		return nil
	}

	g := &group{pending: make(map[string]*pendingEntry)}
	if start == transport.StartLatest {
		g.next = len(s.entries)
	}
	s.groups[name] = g
	s.logger.Debug("created consumer group", "group", name, "start", start)
	return nil
}

// Append adds an envelope to the stream
func (s *Stream) Append(ctx context.Context, env envelope.Envelope) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", transport.ErrStreamClosed
	}

	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	s.index[id] = len(s.entries)
	s.entries = append(s.entries, entry{id: id, env: env.Clone()})

	// Wake blocked readers
	close(s.notify)
	s.notify = make(chan struct{})
	return id, nil
}

// Read delivers new entries, waiting up to block when there are none
func (s *Stream) Read(ctx context.Context, name, consumer string, count int, block time.Duration) ([]transport.Delivery, error) {
	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, transport.ErrStreamClosed
		}
		g, ok := s.groups[name]
		if !ok {
			s.mu.Unlock()
			return nil, transport.ErrNoGroup
		}

		var out []transport.Delivery
		now := s.now()
		for g.next < len(s.entries) && (count <= 0 || len(out) < count) {
			e := s.entries[g.next]
			g.next++
			g.pending[e.id] = &pendingEntry{consumer: consumer, deliveredAt: now, count: 1}
			out = append(out, s.delivery(e, consumer, 1))
		}
		wait := s.notify
		s.mu.Unlock()

		if len(out) > 0 || deadline == nil {
			return out, nil
		}

		select {
		case <-wait:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ReadPending re-delivers the consumer's own un-acked entries
func (s *Stream) ReadPending(ctx context.Context, name, consumer string, count int) ([]transport.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.group(name)
	if err != nil {
		return nil, err
	}

	var out []transport.Delivery
	now := s.now()
	for _, e := range s.entries {
		p, ok := g.pending[e.id]
		if !ok || p.consumer != consumer {
			continue
		}
		if count > 0 && len(out) >= count {
			break
		}
		p.count++
		p.deliveredAt = now
		out = append(out, s.delivery(e, consumer, p.count))
	}
	return out, nil
}

// Ack removes pending entries
func (s *Stream) Ack(ctx context.Context, name string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.group(name)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

// Claim moves specific pending entries to consumer
func (s *Stream) Claim(ctx context.Context, name, consumer string, ids ...string) ([]transport.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.group(name)
	if err != nil {
		return nil, err
	}

	var out []transport.Delivery
	now := s.now()
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.count++
		out = append(out, s.delivery(s.entries[s.index[id]], consumer, p.count))
	}
	return out, nil
}

// ClaimStale adopts entries other consumers left idle for at least minIdle
func (s *Stream) ClaimStale(ctx context.Context, name, consumer string, minIdle time.Duration, count int) ([]transport.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.group(name)
	if err != nil {
		return nil, err
	}

	var out []transport.Delivery
	now := s.now()
	for _, e := range s.entries {
		if count > 0 && len(out) >= count {
			break
		}
		p, ok := g.pending[e.id]
		if !ok || p.consumer == consumer || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.count++
		out = append(out, s.delivery(e, consumer, p.count))
	}

	if len(out) > 0 {
		s.logger.Info("claimed stale messages", "group", name, "consumer", consumer, "count", len(out))
	}
	return out, nil
}

// PendingCount returns the number of un-acked entries in a group
func (s *Stream) PendingCount(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.group(name)
	if err != nil {
		return 0, err
	}
	return int64(len(g.pending)), nil
}

// Len returns the number of entries
func (s *Stream) Len(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, transport.ErrStreamClosed
	}
	return int64(len(s.entries)), nil
}

// Groups reports progress for every group
func (s *Stream) Groups(ctx context.Context) ([]transport.GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]transport.GroupInfo, 0, len(s.groups))
	for name, g := range s.groups {
		consumers := make(map[string]struct{})
		for _, p := range g.pending {
			consumers[p.consumer] = struct{}{}
		}
		info := transport.GroupInfo{
			Name:      name,
			Consumers: int64(len(consumers)),
			Pending:   int64(len(g.pending)),
			Lag:       int64(len(s.entries) - g.next),
		}
		if g.next > 0 {
			info.LastDeliveredID = s.entries[g.next-1].id
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Close stops the stream; blocked readers return ErrStreamClosed
func (s *Stream) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.notify)
	}
	return nil
}

func (s *Stream) group(name string) (*group, error) {
	if s.closed {
		return nil, transport.ErrStreamClosed
	}
	g, ok := s.groups[name]
	if !ok {
		return nil, transport.ErrNoGroup
	}
	return g, nil
}

func (s *Stream) delivery(e entry, consumer string, attempt int) transport.Delivery {
	return transport.Delivery{
		StreamID: e.id,
		Envelope: e.env.Clone(),
		Attempt:  attempt,
		Consumer: consumer,
	}
}

// Compile-time checks
var _ transport.Stream = (*Stream)(nil)
var _ transport.GroupLister = (*Stream)(nil)
