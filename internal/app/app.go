// Package app is the composition root.
// Keep construction and wiring here so the pipeline packages stay
// free of process concerns.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/basecore/eventpipe/dlq"
	"github.com/basecore/eventpipe/engines"
	"github.com/basecore/eventpipe/events"
	"github.com/basecore/eventpipe/internal/config"
	"github.com/basecore/eventpipe/ledger"
	"github.com/basecore/eventpipe/messaging"
	"github.com/basecore/eventpipe/monitor"
	"github.com/basecore/eventpipe/outbox"
	"github.com/basecore/eventpipe/registry"
	"github.com/basecore/eventpipe/transaction"
	"github.com/basecore/eventpipe/transport"
	"github.com/basecore/eventpipe/worker"
)

// Components are the stores and the stream consumer workers run on.
type Components struct {
	Stream       transport.Stream
	Ledger       ledger.Store
	Tx           transaction.Manager
	DeadLetters  *dlq.Manager
	Engines      engines.Store
	Messages     messaging.Store
	Outbox       outbox.Store
	Provider     messaging.Provider
	Logger       *slog.Logger
	OnDeadLetter worker.DeadLetterHook
}

// Registry returns the handler registry for a consumer group, with the
// tracing middleware installed.
func (c Components) Registry(group string) (*registry.Registry, error) {
	var reg *registry.Registry
	switch group {
	case messaging.Group:
		opts := []messaging.Option{messaging.WithLogger(c.logger("messaging"))}
		if c.Outbox != nil {
			opts = append(opts, messaging.WithOutbox(outbox.NewWriter(c.Outbox)))
		}
		reg = messaging.NewNotifier(c.Messages, opts...).Registry()
	case messaging.SenderGroup:
		reg = c.sender().Registry()
	default:
		reg = engines.New(c.Engines, engines.WithLogger(c.logger("engines"))).Registry(group)
	}
	if reg == nil {
		return nil, fmt.Errorf("unknown consumer group %q", group)
	}
	reg.Use(monitor.Middleware(c.logger("handler")))
	return reg, nil
}

// Workers builds one worker per configured group.
func (c Components) Workers(cfg config.WorkerConfig) ([]*worker.Worker, error) {
	workers := make([]*worker.Worker, 0, len(cfg.Groups))
	for _, group := range cfg.Groups {
		reg, err := c.Registry(group)
		if err != nil {
			return nil, err
		}

		start := transport.StartOldest
		if group == messaging.Group {
			start = transport.StartLatest
		}

		maxRetries, hook := cfg.MaxRetries, c.OnDeadLetter
		if group == messaging.SenderGroup {
			maxRetries = min(maxRetries, messaging.MaxSendRetries)
			hook = chainHooks(hook, c.sender().MarkFailed)
		}

		w, err := worker.New(c.Stream, reg, c.Ledger, c.Tx, c.DeadLetters,
			worker.WithConsumer(cfg.Consumer),
			worker.WithStart(start),
			worker.WithBatchSize(cfg.BatchSize),
			worker.WithBlock(cfg.Block),
			worker.WithConcurrency(cfg.Concurrency),
			worker.WithMaxRetries(maxRetries),
			worker.WithBackoff(cfg.BackoffBase, cfg.BackoffMax),
			worker.WithClaim(cfg.ClaimInterval, cfg.ClaimMinIdle),
			worker.WithRateLimit(cfg.RateLimit),
			worker.WithDeadLetterHook(hook),
			worker.WithSkipTypes(events.Known()...),
			worker.WithLogger(c.logger("worker")),
		)
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", group, err)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// sender delivers through the configured provider, or a stub that only
// logs when none is set.
func (c Components) sender() *messaging.Sender {
	provider := c.Provider
	if provider == nil {
		provider = messaging.NewStubProvider(nil)
	}
	return messaging.NewSender(c.Messages, provider, messaging.WithSenderLogger(c.logger("messaging.sender")))
}

// chainHooks runs every non-nil hook in order.
func chainHooks(hooks ...worker.DeadLetterHook) worker.DeadLetterHook {
	return func(ctx context.Context, entry *dlq.Entry, cause error) {
		for _, h := range hooks {
			if h != nil {
				h(ctx, entry, cause)
			}
		}
	}
}

func (c Components) logger(component string) *slog.Logger {
	if c.Logger == nil {
		return transport.Logger(component)
	}
	return c.Logger.With("component", component)
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("LOG_FORMAT: unknown format %q", format)
	}
	return slog.New(h), nil
}
