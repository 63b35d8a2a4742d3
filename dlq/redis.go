package dlq

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/basecore/eventpipe/envelope"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

/*
Redis Schema:

- Hash: dlq:entry:{group}:{event_id} - entry fields, payload stored verbatim
- Sorted set: dlq:group:{group} - event ids scored by creation time (ms)
- Set: dlq:groups - groups that ever had entries
*/

// RedisClient is the subset of go-redis commands the store uses.
// *redis.Client and *redis.ClusterClient satisfy it.
type RedisClient interface {
	HSetNX(ctx context.Context, key, field string, value interface{}) *redis.BoolCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// RedisStore is a Redis-based dead-letter store
type RedisStore struct {
	client      RedisClient
	entryPrefix string
	groupPrefix string
	groupsKey   string
}

// NewRedisStore creates a new Redis dead-letter store
func NewRedisStore(client RedisClient) *RedisStore {
	return (&RedisStore{client: client}).WithKeyPrefix("dlq:")
}

// WithKeyPrefix sets a custom key prefix
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.entryPrefix = prefix + "entry:"
	s.groupPrefix = prefix + "group:"
	s.groupsKey = prefix + "groups"
	return s
}

func (s *RedisStore) entryKey(eventID, group string) string {
	return s.entryPrefix + group + ":" + eventID
}

// Store adds an entry unless one exists for the pair
func (s *RedisStore) Store(ctx context.Context, entry *Entry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	key := s.entryKey(entry.EventID, entry.Group)
	created, err := s.client.HSetNX(ctx, key, "id", entry.ID).Result()
	if err != nil {
		return fmt.Errorf("hsetnx: %w", err)
	}
	if !created {
		existing, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("hgetall: %w", err)
		}
		if existing["event_id"] != "" {
			// Complete already; an earlier call may have failed before indexing it.
			return s.index(ctx, parseEntry(existing))
		}
		// An earlier call failed after claiming the key: finish its write.
		if id := existing["id"]; id != "" {
			entry.ID = id
		}
	}

	env := entry.Envelope
	fields := map[string]interface{}{
		"event_id":       entry.EventID,
		"group_name":     entry.Group,
		"stream_id":      entry.StreamID,
		"last_error":     entry.LastError,
		"attempt_count":  entry.AttemptCount,
		"created_at":     entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		"tenant_id":      env.TenantID,
		"event_type":     env.EventType,
		"vertical":       env.Vertical,
		"event_version":  env.Version,
		"payload":        []byte(env.Payload),
		"occurred_at":    env.OccurredAt.UTC().Format(time.RFC3339Nano),
		"correlation_id": env.CorrelationID,
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("hset: %w", err)
	}

	return s.index(ctx, entry)
}

// index adds the entry to its group's time index. Both writes are idempotent.
func (s *RedisStore) index(ctx context.Context, entry *Entry) error {
	z := redis.Z{Score: float64(entry.CreatedAt.UnixMilli()), Member: entry.EventID}
	if err := s.client.ZAdd(ctx, s.groupPrefix+entry.Group, z).Err(); err != nil {
		return fmt.Errorf("zadd: %w", err)
	}
	if err := s.client.SAdd(ctx, s.groupsKey, entry.Group).Err(); err != nil {
		return fmt.Errorf("sadd: %w", err)
	}
	return nil
}

// Get retrieves the entry for an event in a group
func (s *RedisStore) Get(ctx context.Context, eventID, group string) (*Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.entryKey(eventID, group)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	if len(fields) == 0 || fields["event_id"] == "" {
		return nil, ErrNotFound
	}
	return parseEntry(fields), nil
}

// parseEntry converts hash fields to an Entry
func parseEntry(fields map[string]string) *Entry {
	e := &Entry{
		ID:        fields["id"],
		EventID:   fields["event_id"],
		Group:     fields["group_name"],
		StreamID:  fields["stream_id"],
		LastError: fields["last_error"],
		Envelope: envelope.Envelope{
			EventID:       fields["event_id"],
			TenantID:      fields["tenant_id"],
			EventType:     fields["event_type"],
			Vertical:      fields["vertical"],
			Payload:       []byte(fields["payload"]),
			CorrelationID: fields["correlation_id"],
		},
	}
	e.AttemptCount, _ = strconv.Atoi(fields["attempt_count"])
	e.Envelope.Version, _ = strconv.Atoi(fields["event_version"])
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	e.Envelope.OccurredAt, _ = time.Parse(time.RFC3339Nano, fields["occurred_at"])
	return e
}

// List returns entries matching the filter
func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	all, err := s.matching(ctx, filter)
	if err != nil {
		return nil, err
	}
	return filter.page(all), nil
}

// Count returns the number of entries matching the filter
func (s *RedisStore) Count(ctx context.Context, filter Filter) (int64, error) {
	if filter.Group != "" && filter.EventType == "" && filter.TenantID == "" &&
		filter.Since.IsZero() && filter.Until.IsZero() {
		return s.client.ZCard(ctx, s.groupPrefix+filter.Group).Result()
	}
	all, err := s.matching(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(all)), nil
}

func (s *RedisStore) matching(ctx context.Context, filter Filter) ([]*Entry, error) {
	groups := []string{filter.Group}
	if filter.Group == "" {
		var err error
		groups, err = s.client.SMembers(ctx, s.groupsKey).Result()
		if err != nil {
			return nil, fmt.Errorf("smembers: %w", err)
		}
	}

	var out []*Entry
	for _, group := range groups {
		ids, err := s.client.ZRange(ctx, s.groupPrefix+group, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("zrange: %w", err)
		}
		for _, id := range ids {
			e, err := s.Get(ctx, id, group)
			if err != nil {
				continue
			}
			if filter.match(e) {
				out = append(out, e)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Delete removes the entry for an event in a group
func (s *RedisStore) Delete(ctx context.Context, eventID, group string) error {
	n, err := s.client.Del(ctx, s.entryKey(eventID, group)).Result()
	if err != nil {
		return fmt.Errorf("del: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if err := s.client.ZRem(ctx, s.groupPrefix+group, eventID).Err(); err != nil {
		return fmt.Errorf("zrem: %w", err)
	}
	return nil
}

// Stats returns dead-letter statistics
func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	all, err := s.matching(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	return statsOf(all), nil
}

// Compile-time checks
var _ Store = (*RedisStore)(nil)
var _ StatsProvider = (*RedisStore)(nil)
var _ RedisClient = (*redis.Client)(nil)
