package eventpipe

import (
	"errors"
	"fmt"
	"strings"
)

// Pipeline error taxonomy.
// These errors control how the consumer worker treats a failed delivery.
// Use errors.Is() to check for them as they are usually wrapped with context.
//
// Example usage:
//
//	func handle(ctx context.Context, tx transaction.Transaction, env envelope.Envelope) (any, error) {
//	    if err := validate(env); err != nil {
//	        // Permanent failure - dead-letter without retrying
//	        return nil, eventpipe.Permanent(err)
//	    }
//	    if err := write(ctx, tx, env); err != nil {
//	        // Retried with backoff up to the ceiling
//	        return nil, eventpipe.Transient(err)
//	    }
//	    return nil, nil
//	}
var (
	// ErrTransientIO marks a network or database hiccup. Retried with backoff.
	ErrTransientIO = errors.New("transient io failure")

	// ErrDuplicateDelivery marks a delivery already applied for the consumer group.
	// It is resolved by acknowledging the message and is never surfaced as a failure.
	ErrDuplicateDelivery = errors.New("duplicate delivery")

	// ErrUnknownEventType is returned when no handler is registered for an event type.
	// It is permanent: the message is dead-lettered with zero retries.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrHandlerFailure marks a domain-level rejection. Retried up to the ceiling.
	ErrHandlerFailure = errors.New("handler logic failure")

	// ErrInvalidPayload is returned when a payload does not match its event schema.
	// It is permanent since redelivering the same bytes cannot fix it.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrPublishConflict is returned by the outbox when mark-published matches
	// rows that are no longer pending. The relay logs it and moves on.
	ErrPublishConflict = errors.New("publish conflict")

	// ErrPermanent marks any failure that retrying cannot fix.
	ErrPermanent = errors.New("permanent failure")
)

// Outcome is the worker's decision for a processed delivery.
type Outcome int

const (
	// OutcomeAck - processed (or already processed), acknowledge
	OutcomeAck Outcome = iota
	// OutcomeRetry - leave pending and retry with backoff
	OutcomeRetry
	// OutcomeDeadLetter - write a dead-letter entry, then acknowledge
	OutcomeDeadLetter
)

// ClassifyError determines the worker outcome for a handler error.
// Returns OutcomeAck if err is nil or wraps ErrDuplicateDelivery.
// Returns OutcomeDeadLetter if err wraps ErrUnknownEventType, ErrInvalidPayload or ErrPermanent.
// Returns OutcomeRetry for everything else.
func ClassifyError(err error) Outcome {
	if err == nil {
		return OutcomeAck
	}
	if errors.Is(err, ErrDuplicateDelivery) {
		return OutcomeAck
	}
	if errors.Is(err, ErrUnknownEventType) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrPermanent) {
		return OutcomeDeadLetter
	}
	return OutcomeRetry
}

// String returns a string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRetry:
		return "retry"
	case OutcomeDeadLetter:
		return "dead_letter"
	default:
		return fmt.Sprintf("unknown(%d)", o)
	}
}

// Permanent wraps an error so the worker dead-letters it without retrying.
func Permanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Transient wraps an error as a retryable I/O failure.
func Transient(err error) error {
	if err == nil {
		return ErrTransientIO
	}
	return fmt.Errorf("%w: %w", ErrTransientIO, err)
}

// HandlerFailure wraps a domain-level rejection that may succeed on retry.
func HandlerFailure(err error) error {
	if err == nil {
		return ErrHandlerFailure
	}
	return fmt.Errorf("%w: %w", ErrHandlerFailure, err)
}

// UnknownEventTypeError indicates a registry has no handler for an event type.
type UnknownEventTypeError struct {
	EventType string
	Group     string
}

func (e *UnknownEventTypeError) Error() string {
	return fmt.Sprintf("no handler for event type %q in group %q", e.EventType, e.Group)
}

func (e *UnknownEventTypeError) Is(target error) bool {
	return target == ErrUnknownEventType
}

// PublishConflictError lists outbox ids that were no longer pending when
// the relay tried to mark them published.
type PublishConflictError struct {
	IDs []string
}

func (e *PublishConflictError) Error() string {
	return fmt.Sprintf("publish conflict: %d event(s) no longer pending: %s", len(e.IDs), strings.Join(e.IDs, ","))
}

func (e *PublishConflictError) Is(target error) bool {
	return target == ErrPublishConflict
}

// IsPublishConflict checks if an error indicates a publish conflict.
func IsPublishConflict(err error) bool {
	return errors.Is(err, ErrPublishConflict)
}

// RetryExhaustedError indicates all retry attempts have been exhausted.
type RetryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsRetryExhausted checks if an error indicates retry exhaustion.
func IsRetryExhausted(err error) bool {
	var exhausted *RetryExhaustedError
	return errors.As(err, &exhausted)
}
