package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/basecore/eventpipe/dlq"
	"github.com/basecore/eventpipe/transport"
)

// Defaults
const (
	DefaultBatchSize     = 10
	DefaultBlock         = 5 * time.Second
	DefaultConcurrency   = 4
	DefaultMaxRetries    = 5
	DefaultBackoffBase   = 500 * time.Millisecond
	DefaultBackoffMax    = 30 * time.Second
	DefaultClaimInterval = 60 * time.Second
	DefaultClaimMinIdle  = 60 * time.Second

	// recoverLimit bounds the own-pending entries re-read at startup.
	recoverLimit = 1000
	jitterFactor = 0.2
)

// DeadLetterHook is called after an entry is stored, before the message is acked.
type DeadLetterHook func(ctx context.Context, entry *dlq.Entry, cause error)

type options struct {
	consumer      string
	start         string
	batchSize     int
	block         time.Duration
	concurrency   int
	maxRetries    int
	backoffBase   time.Duration
	backoffMax    time.Duration
	claimInterval time.Duration
	claimMinIdle  time.Duration
	rateLimit     float64
	onDeadLetter  DeadLetterHook
	skip          map[string]struct{}
	logger        *slog.Logger
}

func defaultOptions() *options {
	return &options{
		start:         transport.StartOldest,
		batchSize:     DefaultBatchSize,
		block:         DefaultBlock,
		concurrency:   DefaultConcurrency,
		maxRetries:    DefaultMaxRetries,
		backoffBase:   DefaultBackoffBase,
		backoffMax:    DefaultBackoffMax,
		claimInterval: DefaultClaimInterval,
		claimMinIdle:  DefaultClaimMinIdle,
	}
}

// Option configures a Worker.
type Option func(*options)

// WithConsumer sets the consumer name within the group.
// Default is "<hostname>-<pid>", so a restarted container with a stable
// hostname recovers its own pending entries.
func WithConsumer(name string) Option {
	return func(o *options) {
		if name != "" {
			o.consumer = name
		}
	}
}

// WithStart sets where a newly created group starts reading:
// transport.StartOldest (default) or transport.StartLatest.
func WithStart(start string) Option {
	return func(o *options) {
		if start != "" {
			o.start = start
		}
	}
}

// WithBatchSize sets the number of messages fetched per read.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithBlock sets how long a read waits for new messages.
func WithBlock(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.block = d
		}
	}
}

// WithConcurrency sets the number of messages processed in parallel.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithMaxRetries sets the retry ceiling. A message whose handler fails
// maxRetries+1 times is dead-lettered.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithBackoff sets the exponential backoff base and cap.
func WithBackoff(base, max time.Duration) Option {
	return func(o *options) {
		if base > 0 {
			o.backoffBase = base
		}
		if max > 0 {
			o.backoffMax = max
		}
	}
}

// WithClaim sets how often stale entries of other consumers are claimed
// and how long they must have been idle.
func WithClaim(interval, minIdle time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.claimInterval = interval
		}
		if minIdle > 0 {
			o.claimMinIdle = minIdle
		}
	}
}

// WithRateLimit caps handler invocations per second. Zero disables it.
func WithRateLimit(perSecond float64) Option {
	return func(o *options) {
		o.rateLimit = perSecond
	}
}

// WithDeadLetterHook registers a callback for every dead-lettered message.
func WithDeadLetterHook(h DeadLetterHook) Option {
	return func(o *options) {
		o.onDeadLetter = h
	}
}

// WithSkipTypes lists event types that other groups on the same stream
// handle. A delivery of one of these types that the registry does not
// handle is acked untouched; any other unhandled type is dead-lettered.
func WithSkipTypes(eventTypes ...string) Option {
	return func(o *options) {
		if o.skip == nil {
			o.skip = make(map[string]struct{}, len(eventTypes))
		}
		for _, t := range eventTypes {
			o.skip[t] = struct{}{}
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
