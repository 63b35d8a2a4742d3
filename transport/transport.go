// Package transport defines the durable stream contract shared by the relay,
// the consumer workers and the operator tooling.
//
// Stream implementations (redis, memory) import this package rather than the
// packages that consume them to avoid import cycles.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/basecore/eventpipe/envelope"
	"github.com/google/uuid"
)

// Stream errors
var (
	ErrStreamClosed  = errors.New("stream closed")
	ErrGroupRequired = errors.New("consumer group is required")
	ErrNoGroup       = errors.New("consumer group does not exist")
	ErrDecodeFailure = errors.New("message decode failed")
)

// Start positions for a new consumer group.
const (
	// StartOldest delivers the whole retained history to a new group.
	StartOldest = "0"
	// StartLatest delivers only messages appended after the group is created.
	StartLatest = "$"
)

// DecodeError represents a stream entry that could not be decoded.
// It is carried on the Delivery so the worker can dead-letter the entry
// instead of leaving it pending forever.
type DecodeError struct {
	RawData []byte // The raw entry data that failed to decode
	Err     error  // The decode error
	MsgID   string // Stream id of the entry
}

func (e *DecodeError) Error() string {
	return "decode error: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecodeFailure
}

// Delivery is one message handed to a group member.
type Delivery struct {
	// StreamID is the log position assigned by the stream on append.
	StreamID string
	Envelope envelope.Envelope
	// Attempt is the durable delivery count, 1 on the first delivery.
	Attempt  int
	Consumer string
	// Err is set when the entry could not be decoded. Envelope then only
	// carries the identifying fields the stream stored next to the data.
	Err error
}

// Stream is an ordered, persistent log with consumer-group semantics.
//
// Each group sees every message once across all its members. A delivered
// message stays pending for the receiving consumer until acked; pending
// entries idle past a visibility timeout can be claimed by other members.
type Stream interface {
	// EnsureGroup creates the group (and the stream) if missing.
	// An existing group is not an error.
	EnsureGroup(ctx context.Context, group, start string) error

	// Append adds an envelope and returns its stream id.
	Append(ctx context.Context, env envelope.Envelope) (string, error)

	// Read delivers up to count new messages to consumer, waiting up to block.
	Read(ctx context.Context, group, consumer string, count int, block time.Duration) ([]Delivery, error)

	// ReadPending re-delivers the consumer's own un-acked messages.
	ReadPending(ctx context.Context, group, consumer string, count int) ([]Delivery, error)

	// Ack removes the pending markers for ids.
	Ack(ctx context.Context, group string, ids ...string) error

	// Claim moves specific pending entries to consumer and re-delivers them.
	Claim(ctx context.Context, group, consumer string, ids ...string) ([]Delivery, error)

	// ClaimStale adopts up to count entries of other consumers idle for at least minIdle.
	ClaimStale(ctx context.Context, group, consumer string, minIdle time.Duration, count int) ([]Delivery, error)

	// PendingCount returns the number of delivered but un-acked messages in group.
	PendingCount(ctx context.Context, group string) (int64, error)

	// Len returns the number of entries retained in the stream.
	Len(ctx context.Context) (int64, error)

	// Close releases resources.
	Close(ctx context.Context) error
}

// GroupInfo describes a consumer group's progress.
type GroupInfo struct {
	Name            string `json:"name"`
	Consumers       int64  `json:"consumers"`
	Pending         int64  `json:"pending"`
	LastDeliveredID string `json:"last_delivered_id"`
	// Lag is the number of entries not yet delivered to the group.
	Lag int64 `json:"lag"`
}

// GroupLister is an optional interface for streams that can report every group.
type GroupLister interface {
	Groups(ctx context.Context) ([]GroupInfo, error)
}

// HealthStatus is the result of a readiness check.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult is what /healthz reports for the stream.
type HealthCheckResult struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Latency   time.Duration  `json:"latency,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

func (h *HealthCheckResult) IsHealthy() bool {
	return h != nil && h.Status == HealthStatusHealthy
}

// HealthChecker is implemented by streams that can check their backend.
type HealthChecker interface {
	Health(ctx context.Context) *HealthCheckResult
}

var fallbackID uint64

// NewID returns a random UUID, or a process-local sequence number if the
// random source fails.
func NewID() string {
	if u, err := uuid.NewRandom(); err == nil {
		return u.String()
	}
	return "seq-" + strconv.FormatUint(atomic.AddUint64(&fallbackID, 1), 10)
}

// Logger returns the default logger tagged with component.
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Jitter spreads d uniformly over [d*(1-factor), d*(1+factor)].
// A factor outside (0, 1] returns d unchanged.
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	return time.Duration(float64(d) * (1 + (rand.Float64()*2-1)*factor))
}
