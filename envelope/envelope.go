// Package envelope defines the immutable wrapper every event travels in
// once it leaves the outbox.
//
// The payload is kept as the exact JSON bytes written by the producer.
// Schemas are applied at the handler boundary (see package events), so an
// envelope carrying fields a consumer does not know about still flows
// through the pipeline untouched.
package envelope

import (
	"encoding/json"
	"errors"
	"time"
)

// DefaultVertical is used when a producer does not name a vertical.
const DefaultVertical = "materials"

// Envelope validation errors
var (
	ErrMissingEventID   = errors.New("envelope: event_id is required")
	ErrMissingTenantID  = errors.New("envelope: tenant_id is required")
	ErrMissingEventType = errors.New("envelope: event_type is required")
)

// Envelope is the message appended to the stream for one outbox event.
type Envelope struct {
	EventID       string          `json:"event_id"`
	TenantID      string          `json:"tenant_id"`
	EventType     string          `json:"event_type"`
	Vertical      string          `json:"vertical,omitempty"`
	Version       int             `json:"version"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`

	// ReplayGroup is set when an operator re-injects a dead letter. Only the
	// named consumer group processes the message; every other group acks it.
	ReplayGroup string `json:"replay_group,omitempty"`
}

// Validate checks that the identifying fields are present.
func (e Envelope) Validate() error {
	var errs []error
	if e.EventID == "" {
		errs = append(errs, ErrMissingEventID)
	}
	if e.TenantID == "" {
		errs = append(errs, ErrMissingTenantID)
	}
	if e.EventType == "" {
		errs = append(errs, ErrMissingEventType)
	}
	return errors.Join(errs...)
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Payload, v)
}

// For reports whether the envelope should be processed by group.
func (e Envelope) For(group string) bool {
	return e.ReplayGroup == "" || e.ReplayGroup == group
}

// Replay returns a copy addressed to a single consumer group.
func (e Envelope) Replay(group string) Envelope {
	c := e.Clone()
	c.ReplayGroup = group
	return c
}

// Clone returns a deep copy; the payload bytes are not shared.
func (e Envelope) Clone() Envelope {
	c := e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return c
}
