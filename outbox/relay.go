package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/basecore/eventpipe"
	"github.com/basecore/eventpipe/internal/metrics"
	"github.com/basecore/eventpipe/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Relay defaults
const (
	DefaultPollInterval  = time.Second
	DefaultBusyInterval  = 100 * time.Millisecond
	DefaultErrorInterval = 5 * time.Second
	DefaultBatchSize     = 100
)

// Relay polls the outbox and appends pending events to the stream.
//
// Each cycle:
//  1. Fetches up to batchSize pending events, oldest first
//  2. Appends them to the stream in order, stopping at the first failure
//  3. Marks the appended prefix published in one batch
//
// A crash between 2 and 3 republishes the prefix on the next cycle, so
// delivery is at-least-once. Published rows are kept for audit; the relay
// never deletes them.
//
// Run a single relay per outbox table. Ordering is only guaranteed within
// one relay.
//
// Example:
//
//	store := outbox.NewPostgresStore(db)
//	relay := outbox.NewRelay(store, stream).
//	    WithPollInterval(500 * time.Millisecond).
//	    WithBatchSize(50)
//
//	ctx, cancel := context.WithCancel(context.Background())
//	go func() {
//	    if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	        slog.Error("relay stopped", "error", err)
//	    }
//	}()
//
//	// Shutdown gracefully
//	cancel()
type Relay struct {
	store         Store
	stream        transport.Stream
	pollInterval  time.Duration
	busyInterval  time.Duration
	errorInterval time.Duration
	batchSize     int
	logger        *slog.Logger
	now           func() time.Time
}

// NewRelay creates a new outbox relay.
//
// Default configuration:
//   - Poll interval: 1s (100ms while batches come back full)
//   - Error backoff: 5s
//   - Batch size: 100 events
func NewRelay(store Store, stream transport.Stream) *Relay {
	return &Relay{
		store:         store,
		stream:        stream,
		pollInterval:  DefaultPollInterval,
		busyInterval:  DefaultBusyInterval,
		errorInterval: DefaultErrorInterval,
		batchSize:     DefaultBatchSize,
		logger:        transport.Logger("outbox.relay"),
		now:           time.Now,
	}
}

// WithPollInterval sets the wait between cycles when the outbox is drained.
func (r *Relay) WithPollInterval(d time.Duration) *Relay {
	if d > 0 {
		r.pollInterval = d
	}
	return r
}

// WithBusyInterval sets the wait between cycles after a full batch.
func (r *Relay) WithBusyInterval(d time.Duration) *Relay {
	if d > 0 {
		r.busyInterval = d
	}
	return r
}

// WithErrorInterval sets the wait after the store or stream failed.
func (r *Relay) WithErrorInterval(d time.Duration) *Relay {
	if d > 0 {
		r.errorInterval = d
	}
	return r
}

// WithBatchSize sets the number of events fetched per cycle.
func (r *Relay) WithBatchSize(size int) *Relay {
	if size > 0 {
		r.batchSize = size
	}
	return r
}

// WithLogger sets a custom logger.
func (r *Relay) WithLogger(l *slog.Logger) *Relay {
	if l != nil {
		r.logger = l
	}
	return r
}

// Start runs the relay until ctx is cancelled and returns ctx.Err().
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("outbox relay started",
		"batch_size", r.batchSize,
		"poll_interval", r.pollInterval)

	for {
		wait := r.pollInterval
		n, err := r.PublishOnce(ctx)
		switch {
		case ctx.Err() != nil:
			r.logger.Info("outbox relay stopped")
			return ctx.Err()
		case err != nil:
			wait = r.errorInterval
		case n >= r.batchSize:
			wait = r.busyInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("outbox relay stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// PublishOnce runs a single relay cycle and returns the number of events
// appended to the stream.
//
// A publish conflict while marking is logged and not returned: the events
// were appended and whoever else marked them already did the job.
func (r *Relay) PublishOnce(ctx context.Context) (int, error) {
	start := r.now()
	ctx, span := otel.Tracer("eventpipe").Start(ctx, "outbox.relay.batch",
		trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	pending, err := r.store.FetchPending(ctx, r.batchSize)
	if err != nil {
		metrics.RelayErrors.WithLabelValues("fetch").Inc()
		r.logger.Error("failed to fetch pending events", "error", err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Int("outbox.pending", len(pending)))
	if len(pending) == 0 {
		r.observeLag(ctx)
		return 0, nil
	}

	published := make([]string, 0, len(pending))
	var appendErr error
	for _, ev := range pending {
		streamID, err := r.stream.Append(ctx, ev.Envelope())
		if err != nil {
			// Stop here so later events never overtake this one.
			appendErr = err
			metrics.RelayErrors.WithLabelValues("append").Inc()
			r.logger.Error("failed to append event to stream",
				"event_id", ev.ID,
				"event_type", ev.EventType,
				"error", err)
			break
		}
		published = append(published, ev.ID)
		r.logger.Debug("published outbox event",
			"event_id", ev.ID,
			"event_type", ev.EventType,
			"stream_id", streamID)
	}

	if len(published) > 0 {
		if err := r.store.MarkPublished(ctx, published); err != nil {
			if !eventpipe.IsPublishConflict(err) {
				metrics.RelayErrors.WithLabelValues("mark").Inc()
				r.logger.Error("failed to mark events published",
					"count", len(published),
					"error", err)
				span.SetStatus(codes.Error, err.Error())
				return len(published), errors.Join(appendErr, err)
			}
			metrics.RelayConflicts.Inc()
			r.logger.Warn("events were no longer pending when marking published",
				"error", err)
		} else {
			metrics.RelayPublished.Add(float64(len(published)))
		}
	}

	metrics.RelayBatchLatency.Observe(r.now().Sub(start).Seconds())
	r.observeLag(ctx)
	span.SetAttributes(attribute.Int("outbox.published", len(published)))
	if appendErr != nil {
		span.SetStatus(codes.Error, appendErr.Error())
	}
	return len(published), appendErr
}

func (r *Relay) observeLag(ctx context.Context) {
	oldest, ok, err := r.store.OldestPending(ctx)
	if err != nil {
		return
	}
	if !ok {
		metrics.RelayLag.Set(0)
		return
	}
	metrics.RelayLag.Set(r.now().Sub(oldest).Seconds())
}
