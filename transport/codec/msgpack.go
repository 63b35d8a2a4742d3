package codec

import (
	"errors"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack implements Codec using MessagePack serialization.
// MessagePack is a binary format that's more compact than JSON
// while maintaining schema-less flexibility.
//
// Benefits:
//   - Smaller entries than JSON (no base64 for the payload)
//   - Faster encoding/decoding
//   - Supports binary data natively
type MsgPack struct{}

// msgpackEnvelope is the MessagePack wire format
type msgpackEnvelope struct {
	EventID       string    `msgpack:"event_id"`
	TenantID      string    `msgpack:"tenant_id"`
	EventType     string    `msgpack:"event_type"`
	Vertical      string    `msgpack:"vertical,omitempty"`
	Version       int       `msgpack:"version"`
	Payload       []byte    `msgpack:"payload"`
	OccurredAt    time.Time `msgpack:"occurred_at"`
	CorrelationID string    `msgpack:"correlation_id,omitempty"`
	ReplayGroup   string    `msgpack:"replay_group,omitempty"`
}

// Encode serializes an envelope to MessagePack bytes
func (c MsgPack) Encode(env Envelope) ([]byte, error) {
	me := msgpackEnvelope{
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

	data, err := msgpack.Marshal(me)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}

	return data, nil
}

// Decode deserializes MessagePack bytes to an envelope
func (c MsgPack) Decode(data []byte) (Envelope, error) {
	var me msgpackEnvelope
	if err := msgpack.Unmarshal(data, &me); err != nil {
		return Envelope{}, errors.Join(ErrDecodeFailure, err)
	}

	return Envelope{
		EventID:       me.EventID,
		TenantID:      me.TenantID,
		EventType:     me.EventType,
		Vertical:      me.Vertical,
		Version:       me.Version,
		Payload:       me.Payload,
		OccurredAt:    me.OccurredAt.UTC(),
		CorrelationID: me.CorrelationID,
		ReplayGroup:   me.ReplayGroup,
	}, nil
}

// ContentType returns the MIME type for MessagePack
func (c MsgPack) ContentType() string {
	return "application/msgpack"
}

// Name returns the codec identifier
func (c MsgPack) Name() string {
	return "msgpack"
}

// Compile-time check
var _ Codec = MsgPack{}
