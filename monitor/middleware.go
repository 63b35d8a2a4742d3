package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/basecore/eventpipe"
	"github.com/basecore/eventpipe/envelope"
	"github.com/basecore/eventpipe/registry"
	"github.com/basecore/eventpipe/transaction"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Middleware traces every handler call of a registry and logs failures
// with the outcome the worker will apply.
//
// Example:
//
//	reg := engines.New(store).Stock()
//	reg.Use(monitor.Middleware(logger))
func Middleware(logger *slog.Logger) registry.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	tracer := otel.Tracer("eventpipe/handler")

	return func(next registry.Handler) registry.Handler {
		return func(ctx context.Context, tx transaction.Transaction, env envelope.Envelope) (any, error) {
			ctx, span := tracer.Start(ctx, "handle "+env.EventType,
				trace.WithAttributes(
					attribute.String("event.id", env.EventID),
					attribute.String("event.tenant", env.TenantID),
					attribute.String("event.vertical", env.Vertical),
					attribute.Int("event.version", env.Version),
				))
			defer span.End()

			start := time.Now()
			result, err := next(ctx, tx, env)
			if err != nil {
				outcome := eventpipe.ClassifyError(err)
				span.RecordError(err)
				span.SetStatus(codes.Error, outcome.String())
				logger.Warn("handler failed",
					"event_id", env.EventID,
					"event_type", env.EventType,
					"tenant_id", env.TenantID,
					"outcome", outcome.String(),
					"duration", time.Since(start),
					"error", err)
			}
			return result, err
		}
	}
}
