// Package worker runs one consumer group member: it reads the stream,
// dispatches each message to the group's handler registry inside a
// transaction together with the processed-event ledger insert, and acks,
// retries or dead-letters the message.
//
// Per message:
//
//	Delivered -> Processing -> {Acked | RetriedWithBackoff | DeadLettered}
//
//   - Already in the ledger for the group: ack without calling the handler.
//   - Handler and ledger insert commit: ack.
//   - Retryable failure: leave pending and re-claim it after an exponential
//     backoff. The durable delivery count is the attempt number.
//   - Attempt above the retry ceiling, or a permanent failure (unknown
//     event type, invalid payload, undecodable message): write one
//     dead-letter entry, then ack so the group keeps moving.
//
// On startup the worker re-reads its own pending entries, and it
// periodically claims entries other members left idle past the
// visibility timeout.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/basecore/eventpipe"
	"github.com/basecore/eventpipe/dlq"
	"github.com/basecore/eventpipe/internal/metrics"
	"github.com/basecore/eventpipe/ledger"
	"github.com/basecore/eventpipe/registry"
	"github.com/basecore/eventpipe/transaction"
	"github.com/basecore/eventpipe/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Worker errors
var (
	ErrMissingDependency = errors.New("worker: stream, registry, ledger, transaction manager and dlq manager are required")
	ErrNoGroup           = errors.New("worker: registry has no group name")
	ErrAlreadyRunning    = errors.New("worker: already running")
)

// Worker is a single member of a consumer group.
type Worker struct {
	stream   transport.Stream
	registry *registry.Registry
	ledger   ledger.Store
	txm      transaction.Manager
	dlq      *dlq.Manager
	group    string
	opts     *options
	limiter  *rate.Limiter

	mu      sync.Mutex
	running bool
	work    chan transport.Delivery
	retries sync.WaitGroup
}

// New creates a worker for the registry's group.
func New(stream transport.Stream, reg *registry.Registry, led ledger.Store, txm transaction.Manager, dlqm *dlq.Manager, opts ...Option) (*Worker, error) {
	if stream == nil || reg == nil || led == nil || txm == nil || dlqm == nil {
		return nil, ErrMissingDependency
	}
	if reg.Group() == "" {
		return nil, ErrNoGroup
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.consumer == "" {
		o.consumer = defaultConsumer()
	}
	if o.logger == nil {
		o.logger = transport.Logger("worker")
	}
	o.logger = o.logger.With("group", reg.Group(), "consumer", o.consumer)

	w := &Worker{
		stream:   stream,
		registry: reg,
		ledger:   led,
		txm:      txm,
		dlq:      dlqm,
		group:    reg.Group(),
		opts:     o,
	}
	if o.rateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(o.rateLimit), int(math.Max(1, math.Ceil(o.rateLimit))))
	}
	return w, nil
}

func defaultConsumer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

// Group returns the consumer group name.
func (w *Worker) Group() string {
	return w.group
}

// Consumer returns the consumer name within the group.
func (w *Worker) Consumer() string {
	return w.opts.consumer
}

// Run consumes until ctx is cancelled.
//
// Cancellation stops reading; messages in flight are not force-acked and
// remain pending for reclaim. Run returns ctx.Err() after a clean stop, or
// the error that stopped it.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.running = true
	w.work = make(chan transport.Delivery)
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if err := w.stream.EnsureGroup(ctx, w.group, w.opts.start); err != nil {
		return fmt.Errorf("ensure group %s: %w", w.group, err)
	}

	w.opts.logger.Info("worker started",
		"event_types", w.registry.EventTypes(),
		"concurrency", w.opts.concurrency,
		"max_retries", w.opts.maxRetries)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.fetchLoop(gctx) })
	g.Go(func() error { return w.claimLoop(gctx) })
	for i := 0; i < w.opts.concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case d := <-w.work:
					w.process(gctx, d)
				}
			}
		})
	}

	err := g.Wait()
	w.retries.Wait()
	w.opts.logger.Info("worker stopped")
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (w *Worker) submit(ctx context.Context, ds ...transport.Delivery) bool {
	for _, d := range ds {
		select {
		case w.work <- d:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (w *Worker) fetchLoop(ctx context.Context) error {
	pending, err := w.stream.ReadPending(ctx, w.group, w.opts.consumer, recoverLimit)
	if err != nil && ctx.Err() == nil {
		w.opts.logger.Error("failed to read own pending entries", "error", err)
	}
	if len(pending) > 0 {
		w.opts.logger.Info("recovering pending entries", "count", len(pending))
	}
	if !w.submit(ctx, pending...) {
		return nil
	}

	failures := 0
	for {
		ds, err := w.stream.Read(ctx, w.group, w.opts.consumer, w.opts.batchSize, w.opts.block)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, transport.ErrStreamClosed) {
				return err
			}
			failures++
			delay := w.backoff(failures)
			w.opts.logger.Error("stream read failed", "error", err, "retry_in", delay)
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		failures = 0
		if !w.submit(ctx, ds...) {
			return nil
		}
	}
}

func (w *Worker) claimLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		ds, err := w.stream.ClaimStale(ctx, w.group, w.opts.consumer, w.opts.claimMinIdle, w.opts.batchSize)
		if err != nil {
			if ctx.Err() == nil {
				w.opts.logger.Error("claim stale entries failed", "error", err)
			}
			continue
		}
		if len(ds) == 0 {
			continue
		}
		metrics.WorkerClaimed.WithLabelValues(w.group).Add(float64(len(ds)))
		w.opts.logger.Info("claimed stale entries", "count", len(ds))
		if !w.submit(ctx, ds...) {
			return nil
		}
	}
}

// process drives one delivery to its outcome and returns it.
func (w *Worker) process(ctx context.Context, d transport.Delivery) eventpipe.Outcome {
	start := time.Now()
	env := d.Envelope
	ctx, span := otel.Tracer("eventpipe").Start(ctx, w.group+".process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("event.id", env.EventID),
			attribute.String("event.type", env.EventType),
			attribute.String("stream.id", d.StreamID),
			attribute.Int("delivery.attempt", d.Attempt),
		))
	defer span.End()

	outcome, label := w.decide(ctx, d)
	if label != "" {
		metrics.WorkerProcessed.WithLabelValues(w.group, env.EventType, label).Inc()
	}
	metrics.WorkerLatency.WithLabelValues(w.group, env.EventType).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("outcome", outcome.String()))
	if outcome != eventpipe.OutcomeAck {
		span.SetStatus(codes.Error, outcome.String())
	}
	return outcome
}

func (w *Worker) decide(ctx context.Context, d transport.Delivery) (eventpipe.Outcome, string) {
	env := d.Envelope
	log := w.opts.logger.With("event_id", env.EventID, "event_type", env.EventType, "stream_id", d.StreamID)

	if d.Err != nil {
		log.Error("undecodable message", "error", d.Err)
		w.deadLetter(ctx, d, eventpipe.Permanent(d.Err))
		return eventpipe.OutcomeDeadLetter, "dead_letter"
	}

	if !env.For(w.group) || w.skips(env.EventType) {
		w.ack(ctx, d)
		return eventpipe.OutcomeAck, "skipped"
	}

	done, err := w.ledger.IsProcessed(ctx, env.EventID, w.group)
	if err != nil {
		outcome := w.retry(ctx, d, eventpipe.Transient(err))
		return outcome, outcome.String()
	}
	if done {
		log.Debug("duplicate delivery")
		w.ack(ctx, d)
		return eventpipe.OutcomeAck, "duplicate"
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return eventpipe.OutcomeRetry, ""
		}
	}

	err = w.apply(ctx, d)
	switch eventpipe.ClassifyError(err) {
	case eventpipe.OutcomeAck:
		w.ack(ctx, d)
		if errors.Is(err, eventpipe.ErrDuplicateDelivery) {
			return eventpipe.OutcomeAck, "duplicate"
		}
		log.Debug("processed", "attempt", d.Attempt)
		return eventpipe.OutcomeAck, "ack"
	case eventpipe.OutcomeDeadLetter:
		log.Warn("permanent failure", "error", err)
		w.deadLetter(ctx, d, err)
		return eventpipe.OutcomeDeadLetter, "dead_letter"
	default:
		outcome := w.retry(ctx, d, err)
		return outcome, outcome.String()
	}
}

func (w *Worker) skips(eventType string) bool {
	_, ok := w.opts.skip[eventType]
	return ok && !w.registry.Handles(eventType)
}

// apply runs the handler and the ledger insert in one transaction.
func (w *Worker) apply(ctx context.Context, d transport.Delivery) (err error) {
	env := d.Envelope
	defer func() {
		if p := recover(); p != nil {
			err = eventpipe.HandlerFailure(fmt.Errorf("handler panic: %v", p))
		}
	}()

	return w.txm.Execute(ctx, func(tx transaction.Transaction) error {
		result, err := w.registry.Dispatch(ctx, tx, env)
		if err != nil {
			return err
		}

		rec := ledger.Record{
			EventID:   env.EventID,
			Group:     w.group,
			TenantID:  env.TenantID,
			EventType: env.EventType,
		}
		if result != nil {
			if summary, err := json.Marshal(result); err == nil {
				rec.Result = summary
			}
		}

		inserted, err := w.ledger.MarkProcessedTx(ctx, tx, rec)
		if err != nil {
			return eventpipe.Transient(err)
		}
		if !inserted {
			return eventpipe.ErrDuplicateDelivery
		}
		return nil
	})
}

// retry schedules a redelivery, or dead-letters once attempts exceed the ceiling.
func (w *Worker) retry(ctx context.Context, d transport.Delivery, cause error) eventpipe.Outcome {
	log := w.opts.logger.With("event_id", d.Envelope.EventID, "event_type", d.Envelope.EventType, "stream_id", d.StreamID)

	if d.Attempt > w.opts.maxRetries {
		w.deadLetter(ctx, d, &eventpipe.RetryExhaustedError{Attempts: d.Attempt, LastErr: cause})
		return eventpipe.OutcomeDeadLetter
	}
	if ctx.Err() != nil {
		// Shutting down: leave it pending for reclaim.
		return eventpipe.OutcomeRetry
	}

	delay := w.backoff(d.Attempt)
	metrics.WorkerRetries.WithLabelValues(w.group, d.Envelope.EventType).Inc()
	log.Warn("handler failed, retrying",
		"attempt", d.Attempt,
		"max_retries", w.opts.maxRetries,
		"retry_in", delay,
		"error", cause)

	w.redeliver(ctx, d, delay)
	return eventpipe.OutcomeRetry
}

// redeliver claims d back onto this consumer after delay and resubmits it.
// A failed claim is tried again with a growing backoff until ctx ends, so
// the message never stays parked in this consumer's pending list.
func (w *Worker) redeliver(ctx context.Context, d transport.Delivery, delay time.Duration) {
	w.retries.Add(1)
	go func() {
		defer w.retries.Done()
		for next := d.Attempt + 1; ; next++ {
			if !sleep(ctx, delay) {
				return
			}
			redelivered, err := w.stream.Claim(ctx, w.group, w.opts.consumer, d.StreamID)
			if err == nil {
				w.submit(ctx, redelivered...)
				return
			}
			if ctx.Err() != nil {
				return
			}
			delay = w.backoff(next)
			w.opts.logger.Error("failed to re-claim message, retrying",
				"event_id", d.Envelope.EventID,
				"stream_id", d.StreamID,
				"retry_in", delay,
				"error", err)
		}
	}()
}

func (w *Worker) deadLetter(ctx context.Context, d transport.Delivery, cause error) {
	log := w.opts.logger.With("event_id", d.Envelope.EventID, "stream_id", d.StreamID)

	if d.Envelope.EventID == "" {
		// Nothing identifies the message; it can never be replayed.
		log.Error("dropping unidentifiable message", "error", cause)
		w.ack(ctx, d)
		return
	}

	entry, err := w.dlq.Store(ctx, w.group, d, cause)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// The redelivered message lands here again and retries the write.
		delay := w.backoff(d.Attempt)
		log.Error("failed to dead-letter message", "retry_in", delay, "error", err)
		w.redeliver(ctx, d, delay)
		return
	}
	if w.opts.onDeadLetter != nil {
		w.opts.onDeadLetter(ctx, entry, cause)
	}
	w.ack(ctx, d)
}

func (w *Worker) ack(ctx context.Context, d transport.Delivery) {
	if err := w.stream.Ack(ctx, w.group, d.StreamID); err != nil {
		w.opts.logger.Error("ack failed",
			"event_id", d.Envelope.EventID,
			"stream_id", d.StreamID,
			"error", err)
	}
}

// backoff returns base*2^(attempt-1) capped at max, with jitter.
func (w *Worker) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := w.opts.backoffMax
	if attempt <= 32 {
		if exp := w.opts.backoffBase * time.Duration(1<<(attempt-1)); exp > 0 && exp < d {
			d = exp
		}
	}
	return transport.Jitter(d, jitterFactor)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
