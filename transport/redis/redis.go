// Package redis provides a Redis Streams implementation of transport.Stream.
//
// Messages are persisted in Redis and stay in the group's Pending Entries
// List (PEL) until acknowledged, which gives at-least-once delivery.
//
// Features:
//   - Consumer groups (XGROUP CREATE MKSTREAM, BUSYGROUP tolerated)
//   - New and pending reads via XREADGROUP ">" and "0"
//   - Durable delivery counts from XPENDING for every delivery
//   - Stale entry claiming via XPENDING IDLE + XCLAIM
//   - Stream trimming by count (MAXLEN) or age (MINID)
//   - Health checks and group progress reporting
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/basecore/eventpipe/envelope"
	"github.com/basecore/eventpipe/transport"
	"github.com/basecore/eventpipe/transport/codec"
	"github.com/redis/go-redis/v9"
)

// Client defines the interface for Redis client operations.
// Supports *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPending(ctx context.Context, stream, group string) *redis.XPendingCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	XInfoGroups(ctx context.Context, stream string) *redis.XInfoGroupsCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// ErrClientRequired is returned when no Redis client is provided
var ErrClientRequired = errors.New("redis client is required")

// Stream entry field names.
const (
	fieldData      = "data"
	fieldCodec     = "codec"
	fieldEventID   = "event_id"
	fieldEventType = "event_type"
	fieldTenantID  = "tenant_id"
)

// Default configuration
var (
	DefaultStream = "events:" + envelope.DefaultVertical
	DefaultMaxLen = int64(0) // unlimited
)

// Stream implements transport.Stream using Redis Streams
type Stream struct {
	status  int32
	client  Client
	stream  string
	codec   codec.Codec
	logger  *slog.Logger
	onError func(error)

	maxLen int64         // Max stream length (0 = unlimited)
	maxAge time.Duration // Max entry age for MINID trimming (0 = unlimited)
}

// New creates a new Redis stream with a pre-initialized client
func New(client Client, opts ...Option) (*Stream, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	s := &Stream{
		status:  1,
		client:  client,
		stream:  DefaultStream,
		codec:   codec.Default(),
		maxLen:  DefaultMaxLen,
		logger:  transport.Logger("transport>redis"),
		onError: func(error) {},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Name returns the Redis key of the stream.
func (s *Stream) Name() string {
	return s.stream
}

func (s *Stream) isOpen() bool {
	return atomic.LoadInt32(&s.status) == 1
}

// EnsureGroup creates the consumer group, creating the stream if needed.
func (s *Stream) EnsureGroup(ctx context.Context, group, start string) error {
	if !s.isOpen() {
		return transport.ErrStreamClosed
	}
	if group == "" {
		return transport.ErrGroupRequired
	}
	if start == "" {
		start = transport.StartOldest
	}

	err := s.client.XGroupCreateMkStream(ctx, s.stream, group, start).Err()
	if err != nil {
		// Group already exists
		if strings.HasPrefix(err.Error(), "BUSYGROUP") {
			s.logger.Debug("consumer group exists", "stream", s.stream, "group", group)
			return nil
		}
		return err
	}

	s.logger.Info("created consumer group", "stream", s.stream, "group", group, "start", start)
	return nil
}

// Append adds an envelope to the stream
func (s *Stream) Append(ctx context.Context, env envelope.Envelope) (string, error) {
	if !s.isOpen() {
		return "", transport.ErrStreamClosed
	}

	data, err := s.codec.Encode(env)
	if err != nil {
		return "", err
	}

	// Identifying fields are stored next to the data so an entry that
	// fails to decode can still be dead-lettered by event id.
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			fieldData:      data,
			fieldCodec:     s.codec.Name(),
			fieldEventID:   env.EventID,
			fieldEventType: env.EventType,
			fieldTenantID:  env.TenantID,
		},
	}

	// Apply count-based trimming (MAXLEN)
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true // Use ~ for better performance
	}

	// Apply time-based trimming (MINID)
	if s.maxAge > 0 {
		minTime := time.Now().Add(-s.maxAge).UnixMilli()
		args.MinID = fmt.Sprintf("%d-0", minTime)
		args.Approx = true
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		s.onError(err)
		return "", err
	}

	s.logger.Debug("appended envelope", "event_id", env.EventID, "event_type", env.EventType, "stream_id", id)
	return id, nil
}

// Read delivers new messages to a group member
func (s *Stream) Read(ctx context.Context, group, consumer string, count int, block time.Duration) ([]transport.Delivery, error) {
	if !s.isOpen() {
		return nil, transport.ErrStreamClosed
	}
	if group == "" {
		return nil, transport.ErrGroupRequired
	}

	// go-redis sends BLOCK for any value >= 0 and BLOCK 0 waits forever
	if block <= 0 {
		block = -1
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, s.wrapErr(err)
	}

	var deliveries []transport.Delivery
	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			deliveries = append(deliveries, s.decode(xmsg, consumer, 1))
		}
	}
	return deliveries, nil
}

// ReadPending re-delivers the consumer's own un-acked messages
func (s *Stream) ReadPending(ctx context.Context, group, consumer string, count int) ([]transport.Delivery, error) {
	if !s.isOpen() {
		return nil, transport.ErrStreamClosed
	}

	// First, get delivery counts for pending messages
	pendingInfo, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   s.stream,
		Group:    group,
		Start:    "-",
		End:      "+",
		Count:    int64(count),
		Consumer: consumer,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, s.wrapErr(err)
	}
	if len(pendingInfo) == 0 {
		return nil, nil
	}

	deliveryCounts := make(map[string]int64, len(pendingInfo))
	for _, p := range pendingInfo {
		deliveryCounts[p.ID] = p.RetryCount
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s.stream, "0"},
		Count:    int64(count),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, s.wrapErr(err)
	}

	var deliveries []transport.Delivery
	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			// Reading history bumps the delivery count once more
			attempt := int(deliveryCounts[xmsg.ID]) + 1
			deliveries = append(deliveries, s.decode(xmsg, consumer, attempt))
		}
	}
	return deliveries, nil
}

// Ack acknowledges messages for a group
func (s *Stream) Ack(ctx context.Context, group string, ids ...string) error {
	if !s.isOpen() {
		return transport.ErrStreamClosed
	}
	if len(ids) == 0 {
		return nil
	}
	return s.client.XAck(ctx, s.stream, group, ids...).Err()
}

// Claim moves specific pending entries to consumer
func (s *Stream) Claim(ctx context.Context, group, consumer string, ids ...string) ([]transport.Delivery, error) {
	if !s.isOpen() {
		return nil, transport.ErrStreamClosed
	}
	if len(ids) == 0 {
		return nil, nil
	}

	deliveryCounts := make(map[string]int64, len(ids))
	for _, id := range ids {
		pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: s.stream,
			Group:  group,
			Start:  id,
			End:    id,
			Count:  1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, s.wrapErr(err)
		}
		for _, p := range pending {
			deliveryCounts[p.ID] = p.RetryCount
		}
	}

	messages, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  0,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, s.wrapErr(err)
	}

	deliveries := make([]transport.Delivery, 0, len(messages))
	for _, xmsg := range messages {
		deliveries = append(deliveries, s.decode(xmsg, consumer, int(deliveryCounts[xmsg.ID])+1))
	}
	return deliveries, nil
}

// ClaimStale adopts entries other consumers left idle for at least minIdle
func (s *Stream) ClaimStale(ctx context.Context, group, consumer string, minIdle time.Duration, count int) ([]transport.Delivery, error) {
	if !s.isOpen() {
		return nil, transport.ErrStreamClosed
	}

	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
		Idle:   minIdle,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, s.wrapErr(err)
	}

	// Build a map of message ID to delivery count from pending info
	deliveryCounts := make(map[string]int64)
	var claimIDs []string
	for _, p := range pending {
		if p.Consumer != consumer {
			claimIDs = append(claimIDs, p.ID)
			deliveryCounts[p.ID] = p.RetryCount
		}
	}

	if len(claimIDs) == 0 {
		return nil, nil
	}

	messages, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: claimIDs,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, s.wrapErr(err)
	}

	if len(messages) > 0 {
		s.logger.Info("claimed stale messages", "stream", s.stream, "group", group, "consumer", consumer, "count", len(messages))
	}

	deliveries := make([]transport.Delivery, 0, len(messages))
	for _, xmsg := range messages {
		deliveries = append(deliveries, s.decode(xmsg, consumer, int(deliveryCounts[xmsg.ID])+1))
	}
	return deliveries, nil
}

// PendingCount returns the size of the group's PEL
func (s *Stream) PendingCount(ctx context.Context, group string) (int64, error) {
	if !s.isOpen() {
		return 0, transport.ErrStreamClosed
	}
	pending, err := s.client.XPending(ctx, s.stream, group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, s.wrapErr(err)
	}
	return pending.Count, nil
}

// Len returns the number of entries in the stream
func (s *Stream) Len(ctx context.Context) (int64, error) {
	if !s.isOpen() {
		return 0, transport.ErrStreamClosed
	}
	return s.client.XLen(ctx, s.stream).Result()
}

// Groups reports progress for every consumer group of the stream
func (s *Stream) Groups(ctx context.Context) ([]transport.GroupInfo, error) {
	if !s.isOpen() {
		return nil, transport.ErrStreamClosed
	}

	groups, err := s.client.XInfoGroups(ctx, s.stream).Result()
	if err != nil {
		return nil, s.wrapErr(err)
	}

	infos := make([]transport.GroupInfo, 0, len(groups))
	for _, g := range groups {
		infos = append(infos, transport.GroupInfo{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			LastDeliveredID: g.LastDeliveredID,
			Lag:             g.Lag,
		})
	}
	return infos, nil
}

// Close marks the stream closed and closes the client
func (s *Stream) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.status, 1, 0) {
		return nil
	}
	return s.client.Close()
}

// Health performs a health check on the Redis stream
func (s *Stream) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()

	result := &transport.HealthCheckResult{
		CheckedAt: start,
		Details:   map[string]any{"type": "redis", "stream": s.stream},
	}

	if !s.isOpen() {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = "stream is closed"
		result.Latency = time.Since(start)
		return result
	}

	if err := s.client.Ping(ctx).Err(); err != nil {
		result.Status = transport.HealthStatusUnhealthy
		result.Message = fmt.Sprintf("redis ping failed: %v", err)
		result.Latency = time.Since(start)
		result.Details["ping_error"] = err.Error()
		return result
	}

	result.Status = transport.HealthStatusHealthy
	result.Message = "redis stream is healthy"
	result.Latency = time.Since(start)
	result.Details["ping_latency_ms"] = result.Latency.Milliseconds()
	return result
}

func (s *Stream) wrapErr(err error) error {
	if strings.HasPrefix(err.Error(), "NOGROUP") {
		return fmt.Errorf("%w: %v", transport.ErrNoGroup, err)
	}
	s.onError(err)
	return err
}

// decode turns a stream entry into a delivery. Entries that cannot be
// decoded are still returned, with Err set.
func (s *Stream) decode(xmsg redis.XMessage, consumer string, attempt int) transport.Delivery {
	d := transport.Delivery{
		StreamID: xmsg.ID,
		Attempt:  attempt,
		Consumer: consumer,
	}

	// Fallback identity from the plain fields
	d.Envelope.EventID, _ = xmsg.Values[fieldEventID].(string)
	d.Envelope.EventType, _ = xmsg.Values[fieldEventType].(string)
	d.Envelope.TenantID, _ = xmsg.Values[fieldTenantID].(string)

	data, ok := xmsg.Values[fieldData].(string)
	if !ok {
		s.logger.Error("invalid entry format", "stream_id", xmsg.ID)
		d.Err = &transport.DecodeError{MsgID: xmsg.ID, Err: transport.ErrDecodeFailure}
		return d
	}

	c := s.codec
	if name, _ := xmsg.Values[fieldCodec].(string); name != "" && name != c.Name() {
		// Entry written by a producer configured with another codec
		other, err := codec.ByName(name)
		if err != nil {
			d.Err = &transport.DecodeError{MsgID: xmsg.ID, RawData: []byte(data), Err: err}
			return d
		}
		c = other
	}

	env, err := c.Decode([]byte(data))
	if err != nil {
		s.logger.Error("failed to decode entry", "error", err, "stream_id", xmsg.ID)
		d.Err = &transport.DecodeError{MsgID: xmsg.ID, RawData: []byte(data), Err: err}
		return d
	}

	d.Envelope = env
	return d
}

// Compile-time checks
var _ transport.Stream = (*Stream)(nil)
var _ transport.HealthChecker = (*Stream)(nil)
var _ transport.GroupLister = (*Stream)(nil)
