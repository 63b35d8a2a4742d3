// Package eventpipe delivers domain events from a transactional outbox to
// independent consumer groups with at-least-once delivery and
// exactly-once effects.
//
// A business write and its event are committed in one transaction
// (outbox.Writer). The relay (outbox.Relay) appends pending events to a
// Redis stream and marks them published. Each consumer group runs workers
// (worker.Worker) that dispatch deliveries through a handler registry
// (registry.Registry) inside a database transaction which also inserts a
// row into the processed-event ledger (ledger.Store). A redelivered event
// already in the ledger is acked without running the handler again.
//
// Failures are classified by ClassifyError:
//
//   - nil or ErrDuplicateDelivery: ack
//   - ErrUnknownEventType, ErrInvalidPayload, ErrPermanent: dead-letter now
//   - anything else: retry with exponential backoff, dead-letter once the
//     retry ceiling is exceeded
//
// Dead letters (dlq.Manager) can be listed and replayed for a single
// group; the replayed message carries the group in its envelope so every
// other group acks it untouched. Observability queries live in monitor.
//
// Packages:
//   - envelope, events: the message and the payload schemas
//   - outbox: outbox store, writer and relay
//   - transport, transport/redis, transport/memory, transport/codec: the stream
//   - ledger, dlq, registry, worker: the consumer side
//   - engines, messaging: the stock, sales, delivery and notifier handlers
//   - monitor, monitor/http: queries, prometheus collector, read-only API
package eventpipe
