package redis

import (
	"log/slog"
	"time"

	"github.com/basecore/eventpipe/transport/codec"
)

// Option configures the Redis stream
type Option func(*Stream)

// WithStream sets the Redis key of the stream (default "events:materials")
func WithStream(name string) Option {
	return func(s *Stream) {
		if name != "" {
			s.stream = name
		}
	}
}

// WithCodec sets the codec for envelope serialization
func WithCodec(c codec.Codec) Option {
	return func(s *Stream) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithMaxLen sets the approximate max length of the stream (MAXLEN ~)
func WithMaxLen(n int64) Option {
	return func(s *Stream) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

// WithMaxAge sets the max age for entries in the stream (MINID-based trimming).
// Entries older than this duration are trimmed on each append.
//
// Redis Streams use timestamp-based IDs, so this calculates MINID from (now - maxAge).
// Trimming removes entries regardless of whether every group acked them, so
// keep this well above the longest expected consumer outage.
//
// Set to 0 (default) for unlimited retention.
func WithMaxAge(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithErrorHandler sets the error handler callback
func WithErrorHandler(fn func(error)) Option {
	return func(s *Stream) {
		if fn != nil {
			s.onError = fn
		}
	}
}
