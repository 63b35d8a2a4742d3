package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/basecore/eventpipe/dlq"
	"github.com/basecore/eventpipe/internal/config"
	"github.com/basecore/eventpipe/worker"
	"github.com/getsentry/sentry-go"
)

func initSentry(cfg *config.Config, process string) error {
	if cfg.SentryDSN == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		AttachStacktrace: true,
		Release:          cfg.Release,
		Environment:      cfg.Environment,
		ServerName:       process,
	})
	if err != nil {
		return fmt.Errorf("sentry init: %w", err)
	}
	return nil
}

func flushSentry() {
	if sentry.CurrentHub().Client() != nil {
		sentry.Flush(2 * time.Second)
	}
}

// reportDeadLetter sends every dead-lettered message to hub, or logs
// only when Sentry is not configured.
func reportDeadLetter(hub *sentry.Hub, next worker.DeadLetterHook) worker.DeadLetterHook {
	return func(ctx context.Context, entry *dlq.Entry, cause error) {
		if hub != nil && hub.Client() != nil {
			hub.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("group", entry.Group)
				scope.SetTag("event_type", entry.Envelope.EventType)
				scope.SetTag("tenant_id", entry.Envelope.TenantID)
				scope.SetTag("event_id", entry.EventID)
				scope.SetTag("attempt_count", strconv.Itoa(entry.AttemptCount))
				scope.SetFingerprint([]string{"dead-letter", entry.Group, entry.Envelope.EventType})
				hub.CaptureException(cause)
			})
		}
		if next != nil {
			next(ctx, entry, cause)
		}
	}
}
