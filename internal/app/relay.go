package app

import (
	"context"
	"errors"

	"github.com/basecore/eventpipe/monitor"
	"github.com/basecore/eventpipe/outbox"
	"golang.org/x/sync/errgroup"
)

// RelayApp moves committed outbox events onto the stream.
type RelayApp struct {
	infra   *infra
	relay   *outbox.Relay
	metrics *metricsServer
}

// BuildRelay connects to Postgres and Redis and builds the relay.
func BuildRelay(ctx context.Context) (*RelayApp, error) {
	in, err := connect(ctx, "relay")
	if err != nil {
		return nil, err
	}

	cfg := in.cfg.Relay
	relay := outbox.NewRelay(in.outbox, in.stream).
		WithBatchSize(cfg.BatchSize).
		WithPollInterval(cfg.PollInterval).
		WithBusyInterval(cfg.PollIntervalBusy).
		WithErrorInterval(cfg.ErrorInterval).
		WithLogger(in.logger.With("component", "relay"))

	svc := monitor.New(in.stream, in.outbox, in.dlq)
	return &RelayApp{
		infra:   in,
		relay:   relay,
		metrics: newMetricsServer(in.cfg.MetricsAddr, svc, in.logger),
	}, nil
}

// Run relays until ctx is cancelled.
func (a *RelayApp) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.relay.Start(gctx) })
	g.Go(func() error { return a.metrics.run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases connections.
func (a *RelayApp) Close() error {
	return a.infra.Close()
}
