package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/basecore/eventpipe/envelope"
	"github.com/basecore/eventpipe/transport"
	"github.com/basecore/eventpipe/transport/codec"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
)

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
	count       int64
}

type mockGroup struct {
	next    int // index of the next undelivered entry
	pending map[string]*pendingEntry
}

// mockRedisClient implements Client for testing with consumer group semantics
type mockRedisClient struct {
	mu       sync.Mutex
	streams  map[string][]redis.XMessage
	groups   map[string]map[string]*mockGroup // stream -> group
	msgID    int
	now      time.Time
	closed   bool
	lastXAdd *redis.XAddArgs
	xaddErr  error
	xreadErr error
	pingErr  error
}

func newMockRedisClient() *mockRedisClient {
	return &mockRedisClient{
		streams: make(map[string][]redis.XMessage),
		groups:  make(map[string]map[string]*mockGroup),
		now:     time.Now(),
	}
}

func (m *mockRedisClient) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *mockRedisClient) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewStringCmd(ctx)
	m.lastXAdd = a
	if m.xaddErr != nil {
		cmd.SetErr(m.xaddErr)
		return cmd
	}

	m.msgID++
	msgID := fmt.Sprintf("%d-0", m.msgID)

	// Redis hands every field back as a string
	values := make(map[string]any)
	if v, ok := a.Values.(map[string]interface{}); ok {
		for k, val := range v {
			switch x := val.(type) {
			case []byte:
				values[k] = string(x)
			default:
				values[k] = fmt.Sprint(x)
			}
		}
	}

	m.streams[a.Stream] = append(m.streams[a.Stream], redis.XMessage{ID: msgID, Values: values})
	cmd.SetVal(msgID)
	return cmd
}

func (m *mockRedisClient) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewStatusCmd(ctx)
	if m.groups[stream] == nil {
		m.groups[stream] = make(map[string]*mockGroup)
	}
	if _, exists := m.groups[stream][group]; exists {
		cmd.SetErr(errors.New("BUSYGROUP Consumer Group name already exists"))
		return cmd
	}
	g := &mockGroup{pending: make(map[string]*pendingEntry)}
	if start == "$" {
		g.next = len(m.streams[stream])
	}
	m.groups[stream][group] = g
	cmd.SetVal("OK")
	return cmd
}

func (m *mockRedisClient) group(stream, group string) (*mockGroup, error) {
	g, ok := m.groups[stream][group]
	if !ok {
		return nil, fmt.Errorf("NOGROUP No such key '%s' or consumer group '%s'", stream, group)
	}
	return g, nil
}

func (m *mockRedisClient) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewXStreamSliceCmd(ctx)
	if m.xreadErr != nil {
		cmd.SetErr(m.xreadErr)
		return cmd
	}

	stream, start := a.Streams[0], a.Streams[1]
	g, err := m.group(stream, a.Group)
	if err != nil {
		cmd.SetErr(err)
		return cmd
	}

	entries := m.streams[stream]
	var out []redis.XMessage
	if start == ">" {
		for g.next < len(entries) && (a.Count == 0 || int64(len(out)) < a.Count) {
			msg := entries[g.next]
			g.next++
			g.pending[msg.ID] = &pendingEntry{consumer: a.Consumer, deliveredAt: m.now, count: 1}
			out = append(out, msg)
		}
		if len(out) == 0 {
			cmd.SetErr(redis.Nil)
			return cmd
		}
	} else {
		for _, msg := range entries {
			p, ok := g.pending[msg.ID]
			if !ok || p.consumer != a.Consumer {
				continue
			}
			if a.Count > 0 && int64(len(out)) >= a.Count {
				break
			}
			p.count++
			p.deliveredAt = m.now
			out = append(out, msg)
		}
	}

	cmd.SetVal([]redis.XStream{{Stream: stream, Messages: out}})
	return cmd
}

func (m *mockRedisClient) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	g, err := m.group(stream, group)
	if err != nil {
		cmd.SetErr(err)
		return cmd
	}
	var n int64
	for _, id := range ids {
		if _, ok := g.pending[id]; ok {
			delete(g.pending, id)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (m *mockRedisClient) XPending(ctx context.Context, stream, group string) *redis.XPendingCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewXPendingCmd(ctx)
	g, err := m.group(stream, group)
	if err != nil {
		cmd.SetErr(err)
		return cmd
	}
	cmd.SetVal(&redis.XPending{Count: int64(len(g.pending))})
	return cmd
}

func (m *mockRedisClient) XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewXPendingExtCmd(ctx)
	g, err := m.group(a.Stream, a.Group)
	if err != nil {
		cmd.SetErr(err)
		return cmd
	}

	var out []redis.XPendingExt
	for _, msg := range m.streams[a.Stream] {
		p, ok := g.pending[msg.ID]
		if !ok {
			continue
		}
		if a.Start != "-" && a.Start == a.End && msg.ID != a.Start {
			continue
		}
		if a.Consumer != "" && p.consumer != a.Consumer {
			continue
		}
		idle := m.now.Sub(p.deliveredAt)
		if idle < a.Idle {
			continue
		}
		if a.Count > 0 && int64(len(out)) >= a.Count {
			break
		}
		out = append(out, redis.XPendingExt{ID: msg.ID, Consumer: p.consumer, Idle: idle, RetryCount: p.count})
	}
	cmd.SetVal(out)
	return cmd
}

func (m *mockRedisClient) XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewXMessageSliceCmd(ctx)
	g, err := m.group(a.Stream, a.Group)
	if err != nil {
		cmd.SetErr(err)
		return cmd
	}

	want := make(map[string]bool, len(a.Messages))
	for _, id := range a.Messages {
		want[id] = true
	}

	var out []redis.XMessage
	for _, msg := range m.streams[a.Stream] {
		p, ok := g.pending[msg.ID]
		if !ok || !want[msg.ID] || m.now.Sub(p.deliveredAt) < a.MinIdle {
			continue
		}
		p.consumer = a.Consumer
		p.deliveredAt = m.now
		p.count++
		out = append(out, msg)
	}
	cmd.SetVal(out)
	return cmd
}

func (m *mockRedisClient) XLen(ctx context.Context, stream string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(m.streams[stream])))
	return cmd
}

func (m *mockRedisClient) XInfoGroups(ctx context.Context, stream string) *redis.XInfoGroupsCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewXInfoGroupsCmd(ctx, stream)
	groups := make([]redis.XInfoGroup, 0)
	for name, g := range m.groups[stream] {
		groups = append(groups, redis.XInfoGroup{
			Name:    name,
			Pending: int64(len(g.pending)),
			Lag:     int64(len(m.streams[stream]) - g.next),
		})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	cmd.SetVal(groups)
	return cmd
}

func (m *mockRedisClient) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if m.pingErr != nil {
		cmd.SetErr(m.pingErr)
		return cmd
	}
	cmd.SetVal("PONG")
	return cmd
}

func (m *mockRedisClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func testEnvelope(eventType string) envelope.Envelope {
	return envelope.Envelope{
		EventID:    transport.NewID(),
		TenantID:   "tenant-1",
		EventType:  eventType,
		Vertical:   "materials",
		Version:    1,
		Payload:    json.RawMessage(`{"order_id":"O1","amount":100}`),
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func newTestStream(t *testing.T, opts ...Option) (*Stream, *mockRedisClient) {
	t.Helper()
	client := newMockRedisClient()
	s, err := New(client, opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s, client
}

func TestNew(t *testing.T) {
	t.Run("nil client returns error", func(t *testing.T) {
		_, err := New(nil)
		if err != ErrClientRequired {
			t.Errorf("expected ErrClientRequired, got %v", err)
		}
	})

	t.Run("options are applied", func(t *testing.T) {
		s, _ := newTestStream(t,
			WithStream("events:restaurant"),
			WithCodec(codec.MsgPack{}),
			WithMaxLen(1000),
			WithMaxAge(time.Hour),
		)
		if s.Name() != "events:restaurant" {
			t.Errorf("expected stream events:restaurant, got %s", s.Name())
		}
		if s.codec.Name() != "msgpack" {
			t.Errorf("expected msgpack codec, got %s", s.codec.Name())
		}
		if s.maxLen != 1000 {
			t.Errorf("expected maxLen 1000, got %d", s.maxLen)
		}
		if s.maxAge != time.Hour {
			t.Errorf("expected maxAge 1h, got %v", s.maxAge)
		}
	})
}

func TestEnsureGroup(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)

	if err := s.EnsureGroup(ctx, "stock", transport.StartOldest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.EnsureGroup(ctx, "stock", transport.StartOldest); err != nil {
		t.Errorf("expected existing group to be accepted, got %v", err)
	}
	if err := s.EnsureGroup(ctx, "", transport.StartOldest); !errors.Is(err, transport.ErrGroupRequired) {
		t.Errorf("expected ErrGroupRequired, got %v", err)
	}
}

func TestAppendAndRead(t *testing.T) {
	ctx := context.Background()

	for _, c := range []codec.Codec{codec.JSON{}, codec.MsgPack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			s, client := newTestStream(t, WithCodec(c), WithMaxLen(100))
			if err := s.EnsureGroup(ctx, "stock", transport.StartOldest); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			env := testEnvelope("sale_recorded")
			id, err := s.Append(ctx, env)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !client.lastXAdd.Approx || client.lastXAdd.MaxLen != 100 {
				t.Errorf("expected approximate MAXLEN 100, got %+v", client.lastXAdd)
			}

			deliveries, err := s.Read(ctx, "stock", "c1", 10, 0)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(deliveries) != 1 {
				t.Fatalf("expected 1 delivery, got %d", len(deliveries))
			}

			d := deliveries[0]
			if d.StreamID != id {
				t.Errorf("expected stream id %s, got %s", id, d.StreamID)
			}
			if d.Attempt != 1 {
				t.Errorf("expected attempt 1, got %d", d.Attempt)
			}
			if d.Err != nil {
				t.Fatalf("unexpected decode error: %v", d.Err)
			}
			if diff := cmp.Diff(env, d.Envelope); diff != "" {
				t.Errorf("envelope mismatch (-want +got):\n%s", diff)
			}

			// Nothing new for the same group
			more, err := s.Read(ctx, "stock", "c1", 10, 0)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(more) != 0 {
				t.Errorf("expected no deliveries, got %d", len(more))
			}
		})
	}
}

func TestGroupsSeeEveryMessage(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)

	for _, g := range []string{"stock", "sales"} {
		if err := s.EnsureGroup(ctx, g, transport.StartOldest); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, testEnvelope("sale_recorded")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	for _, g := range []string{"stock", "sales"} {
		deliveries, err := s.Read(ctx, g, "c1", 10, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(deliveries) != 3 {
			t.Errorf("group %s: expected 3 deliveries, got %d", g, len(deliveries))
		}
	}
}

func TestAckAndPending(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)
	s.EnsureGroup(ctx, "stock", transport.StartOldest)

	s.Append(ctx, testEnvelope("sale_recorded"))
	s.Append(ctx, testEnvelope("sale_recorded"))

	deliveries, err := s.Read(ctx, "stock", "c1", 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, err := s.PendingCount(ctx, "stock")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 pending, got %d", n)
	}

	if err := s.Ack(ctx, "stock", deliveries[0].StreamID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, _ = s.PendingCount(ctx, "stock")
	if n != 1 {
		t.Errorf("expected 1 pending after ack, got %d", n)
	}
}

func TestReadPending(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)
	s.EnsureGroup(ctx, "stock", transport.StartOldest)
	s.Append(ctx, testEnvelope("sale_recorded"))

	if _, err := s.Read(ctx, "stock", "c1", 10, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("other consumer sees nothing", func(t *testing.T) {
		deliveries, err := s.ReadPending(ctx, "stock", "c2", 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(deliveries) != 0 {
			t.Errorf("expected 0 deliveries, got %d", len(deliveries))
		}
	})

	t.Run("owner gets its entry with bumped attempt", func(t *testing.T) {
		deliveries, err := s.ReadPending(ctx, "stock", "c1", 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(deliveries) != 1 {
			t.Fatalf("expected 1 delivery, got %d", len(deliveries))
		}
		if deliveries[0].Attempt != 2 {
			t.Errorf("expected attempt 2, got %d", deliveries[0].Attempt)
		}
	})
}

func TestClaimStale(t *testing.T) {
	ctx := context.Background()
	s, client := newTestStream(t)
	s.EnsureGroup(ctx, "stock", transport.StartOldest)
	s.Append(ctx, testEnvelope("sale_recorded"))

	// c1 receives the message and crashes
	if _, err := s.Read(ctx, "stock", "c1", 10, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("not idle long enough", func(t *testing.T) {
		client.advance(10 * time.Second)
		deliveries, err := s.ClaimStale(ctx, "stock", "c2", time.Minute, 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(deliveries) != 0 {
			t.Errorf("expected 0 deliveries, got %d", len(deliveries))
		}
	})

	t.Run("own entries are skipped", func(t *testing.T) {
		client.advance(time.Minute)
		deliveries, err := s.ClaimStale(ctx, "stock", "c1", time.Minute, 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(deliveries) != 0 {
			t.Errorf("expected 0 deliveries, got %d", len(deliveries))
		}
	})

	t.Run("idle entry moves to claimer", func(t *testing.T) {
		deliveries, err := s.ClaimStale(ctx, "stock", "c2", time.Minute, 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(deliveries) != 1 {
			t.Fatalf("expected 1 delivery, got %d", len(deliveries))
		}
		if deliveries[0].Attempt != 2 {
			t.Errorf("expected attempt 2, got %d", deliveries[0].Attempt)
		}
		if deliveries[0].Consumer != "c2" {
			t.Errorf("expected consumer c2, got %s", deliveries[0].Consumer)
		}
	})
}

func TestClaim(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)
	s.EnsureGroup(ctx, "stock", transport.StartOldest)
	s.Append(ctx, testEnvelope("sale_recorded"))

	deliveries, _ := s.Read(ctx, "stock", "c1", 10, 0)
	id := deliveries[0].StreamID

	for want := 2; want <= 4; want++ {
		claimed, err := s.Claim(ctx, "stock", "c1", id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(claimed) != 1 {
			t.Fatalf("expected 1 delivery, got %d", len(claimed))
		}
		if claimed[0].Attempt != want {
			t.Errorf("expected attempt %d, got %d", want, claimed[0].Attempt)
		}
	}

	if err := s.Ack(ctx, "stock", id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	claimed, err := s.Claim(ctx, "stock", "c1", id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("expected acked entry not to be claimable, got %d", len(claimed))
	}
}

func TestUndecodableEntry(t *testing.T) {
	ctx := context.Background()
	s, client := newTestStream(t)
	s.EnsureGroup(ctx, "stock", transport.StartOldest)

	client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.Name(),
		Values: map[string]interface{}{
			fieldData:      "not-json",
			fieldEventID:   "evt-1",
			fieldEventType: "sale_recorded",
		},
	})

	deliveries, err := s.Read(ctx, "stock", "c1", 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}
	d := deliveries[0]
	if !errors.Is(d.Err, transport.ErrDecodeFailure) {
		t.Errorf("expected decode failure, got %v", d.Err)
	}
	if d.Envelope.EventID != "evt-1" {
		t.Errorf("expected fallback event id evt-1, got %q", d.Envelope.EventID)
	}
}

func TestMissingGroup(t *testing.T) {
	s, _ := newTestStream(t)
	_, err := s.Read(context.Background(), "nope", "c1", 10, 0)
	if !errors.Is(err, transport.ErrNoGroup) {
		t.Errorf("expected ErrNoGroup, got %v", err)
	}
}

func TestGroupsAndLen(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStream(t)
	s.EnsureGroup(ctx, "sales", transport.StartOldest)
	s.EnsureGroup(ctx, "stock", transport.StartOldest)
	s.Append(ctx, testEnvelope("sale_recorded"))
	s.Append(ctx, testEnvelope("sale_recorded"))
	s.Read(ctx, "stock", "c1", 1, 0)

	n, err := s.Len(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected length 2, got %d", n)
	}

	groups, err := s.Groups(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []transport.GroupInfo{
		{Name: "sales", Pending: 0, Lag: 2},
		{Name: "stock", Pending: 1, Lag: 1},
	}
	if diff := cmp.Diff(want, groups); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}
}

func TestHealthAndClose(t *testing.T) {
	ctx := context.Background()
	s, client := newTestStream(t)

	if h := s.Health(ctx); !h.IsHealthy() {
		t.Errorf("expected healthy, got %s: %s", h.Status, h.Message)
	}

	client.pingErr = errors.New("connection refused")
	if h := s.Health(ctx); h.IsHealthy() {
		t.Error("expected unhealthy when ping fails")
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !client.closed {
		t.Error("expected client to be closed")
	}
	if _, err := s.Append(ctx, testEnvelope("sale_recorded")); !errors.Is(err, transport.ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
}
