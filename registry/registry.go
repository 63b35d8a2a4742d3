// Package registry maps event types to handlers for one consumer group.
//
// Each group owns its own Registry. Engines and messaging build theirs in
// separate packages and never share handlers.
//
//	reg := registry.New("stock")
//	reg.MustRegister(events.SaleRecorded, registry.Typed(store.applySale))
//
//	result, err := reg.Dispatch(ctx, tx, env)
//	if errors.Is(err, eventpipe.ErrUnknownEventType) {
//	    // dead-letter, no retry
//	}
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/basecore/eventpipe"
	"github.com/basecore/eventpipe/envelope"
	"github.com/basecore/eventpipe/events"
	"github.com/basecore/eventpipe/transaction"
)

// Registry errors
var (
	ErrAlreadyRegistered = errors.New("registry: handler already registered for event type")
	ErrNilHandler        = errors.New("registry: handler is nil")
	ErrEmptyEventType    = errors.New("registry: event type is empty")
)

// Handler applies one event inside the worker's transaction.
//
// Writes must go through tx so they commit together with the
// processed-event record. The returned value is stored as the record's
// result summary and may be nil.
type Handler func(ctx context.Context, tx transaction.Transaction, env envelope.Envelope) (any, error)

// Middleware wraps a handler.
type Middleware func(Handler) Handler

// Registry is a concurrency-safe event type to handler map.
type Registry struct {
	group      string
	mu         sync.RWMutex
	handlers   map[string]Handler
	middleware []Middleware
}

// New creates an empty registry for a consumer group.
func New(group string) *Registry {
	return &Registry{
		group:    group,
		handlers: make(map[string]Handler),
	}
}

// Group returns the consumer group the registry serves.
func (r *Registry) Group() string {
	return r.group
}

// Use appends middleware applied to every dispatch, outermost first.
func (r *Registry) Use(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw...)
}

// Register adds a handler for an event type.
func (r *Registry) Register(eventType string, h Handler) error {
	if eventType == "" {
		return ErrEmptyEventType
	}
	if h == nil {
		return ErrNilHandler
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[eventType]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, eventType)
	}
	r.handlers[eventType] = h
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(eventType string, h Handler) {
	if err := r.Register(eventType, h); err != nil {
		panic(err)
	}
}

// Handles reports whether a handler is registered for eventType.
func (r *Registry) Handles(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[eventType]
	return ok
}

// EventTypes returns the registered event types, sorted.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Dispatch runs the handler registered for the envelope's event type.
// It returns an *eventpipe.UnknownEventTypeError when there is none.
func (r *Registry) Dispatch(ctx context.Context, tx transaction.Transaction, env envelope.Envelope) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[env.EventType]
	mw := r.middleware
	r.mu.RUnlock()

	if !ok {
		return nil, &eventpipe.UnknownEventTypeError{EventType: env.EventType, Group: r.group}
	}
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h(ctx, tx, env)
}

// Typed adapts a handler that takes a decoded payload.
//
// The payload is decoded with the schema registered in package events and
// validated. Decode and validation failures are reported as
// eventpipe.ErrInvalidPayload, which the worker dead-letters without retry.
func Typed[P events.Payload](fn func(ctx context.Context, tx transaction.Transaction, env envelope.Envelope, payload P) (any, error)) Handler {
	return func(ctx context.Context, tx transaction.Transaction, env envelope.Envelope) (any, error) {
		decoded, err := events.Decode(env)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", eventpipe.ErrInvalidPayload, env.EventType, err)
		}
		p, ok := decoded.(P)
		if !ok {
			return nil, fmt.Errorf("%w: %s decodes to %T", eventpipe.ErrInvalidPayload, env.EventType, decoded)
		}
		return fn(ctx, tx, env, p)
	}
}
