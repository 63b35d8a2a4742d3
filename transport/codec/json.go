package codec

import (
	"encoding/json"
	"errors"
	"time"
)

// JSON implements Codec using JSON serialization.
// This is the default codec, providing human-readable output.
//
// Payload is stored as pre-encoded bytes (base64 in JSON wire format) so
// whitespace and key order survive the trip unchanged.
type JSON struct{}

// jsonEnvelope is the JSON wire format
type jsonEnvelope struct {
	EventID       string    `json:"event_id"`
	TenantID      string    `json:"tenant_id"`
	EventType     string    `json:"event_type"`
	Vertical      string    `json:"vertical,omitempty"`
	Version       int       `json:"version"`
	Payload       []byte    `json:"payload"`
	OccurredAt    time.Time `json:"occurred_at"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	ReplayGroup   string    `json:"replay_group,omitempty"`
}

// Encode serializes an envelope to JSON bytes
func (c JSON) Encode(env Envelope) ([]byte, error) {
	je := jsonEnvelope{
		EventID:       env.EventID,
		TenantID:      env.TenantID,
		EventType:     env.EventType,
		Vertical:      env.Vertical,
		Version:       env.Version,
		Payload:       env.Payload,
		OccurredAt:    env.OccurredAt,
		CorrelationID: env.CorrelationID,
		ReplayGroup:   env.ReplayGroup,
	}

	data, err := json.Marshal(je)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}

	return data, nil
}

// Decode deserializes JSON bytes to an envelope
func (c JSON) Decode(data []byte) (Envelope, error) {
	var je jsonEnvelope
	if err := json.Unmarshal(data, &je); err != nil {
		return Envelope{}, errors.Join(ErrDecodeFailure, err)
	}

	return Envelope{
		EventID:       je.EventID,
		TenantID:      je.TenantID,
		EventType:     je.EventType,
		Vertical:      je.Vertical,
		Version:       je.Version,
		Payload:       je.Payload,
		OccurredAt:    je.OccurredAt,
		CorrelationID: je.CorrelationID,
		ReplayGroup:   je.ReplayGroup,
	}, nil
}

// ContentType returns the MIME type for JSON
func (c JSON) ContentType() string {
	return "application/json"
}

// Name returns the codec identifier
func (c JSON) Name() string {
	return "json"
}

// Compile-time check
var _ Codec = JSON{}
