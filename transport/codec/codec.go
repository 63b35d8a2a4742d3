// Package codec provides envelope serialization for stream transports.
//
// Supported formats:
//   - JSON (default, human-readable)
//   - MessagePack (binary, compact)
//
// Both codecs carry the payload as opaque bytes so the payload a consumer
// reads is byte-for-byte the payload the producer wrote to the outbox.
package codec

import (
	"errors"
	"fmt"

	"github.com/basecore/eventpipe/envelope"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode envelope")
	ErrDecodeFailure = errors.New("failed to decode envelope")
	ErrUnknownCodec  = errors.New("unknown codec")
)

// Envelope is the value codecs serialize
type Envelope = envelope.Envelope

// Codec handles envelope serialization for external transports.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes an envelope to bytes.
	// Returns ErrEncodeFailure if serialization fails.
	Encode(env Envelope) ([]byte, error)

	// Decode deserializes bytes to an envelope.
	// Returns ErrDecodeFailure if deserialization fails.
	Decode(data []byte) (Envelope, error)

	// ContentType returns the MIME type for this codec (e.g., "application/json").
	ContentType() string

	// Name returns a short identifier for this codec (e.g., "json", "msgpack").
	Name() string
}

// Default returns the default codec (JSON)
func Default() Codec {
	return JSON{}
}

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "msgpack":
		return MsgPack{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}
