package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/basecore/eventpipe/engines"
	"github.com/basecore/eventpipe/ledger"
	"github.com/basecore/eventpipe/messaging"
	"github.com/basecore/eventpipe/monitor"
	"github.com/basecore/eventpipe/transaction"
	"github.com/basecore/eventpipe/worker"
	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"
)

// WorkerApp runs one consumer worker per configured group.
type WorkerApp struct {
	infra   *infra
	workers []*worker.Worker
	metrics *metricsServer
}

// BuildWorker connects, creates the tables and builds the workers.
func BuildWorker(ctx context.Context) (*WorkerApp, error) {
	in, err := connect(ctx, "worker")
	if err != nil {
		return nil, err
	}
	app, err := buildWorker(ctx, in)
	if err != nil {
		in.Close()
		return nil, err
	}
	return app, nil
}

func buildWorker(ctx context.Context, in *infra) (*WorkerApp, error) {
	led := ledger.NewPostgresStore(in.db)
	if err := led.CreateTable(ctx); err != nil {
		return nil, fmt.Errorf("create ledger table: %w", err)
	}
	engineStore := engines.NewPostgresStore(in.db)
	if err := engineStore.CreateTables(ctx); err != nil {
		return nil, fmt.Errorf("create engine tables: %w", err)
	}
	messageStore := messaging.NewPostgresStore(in.db)
	if err := messageStore.CreateTables(ctx); err != nil {
		return nil, fmt.Errorf("create messaging tables: %w", err)
	}

	c := Components{
		Stream:       in.stream,
		Ledger:       led,
		Tx:           transaction.NewSQLManager(in.db),
		DeadLetters:  in.dlq,
		Engines:      engineStore,
		Messages:     messageStore,
		Outbox:       in.outbox,
		Logger:       in.logger,
		OnDeadLetter: reportDeadLetter(sentry.CurrentHub(), nil),
	}
	workers, err := c.Workers(in.cfg.Worker)
	if err != nil {
		return nil, err
	}
	if len(workers) == 0 {
		return nil, errors.New("WORKER_GROUPS is empty")
	}

	svc := monitor.New(in.stream, in.outbox, in.dlq, monitor.WithGroups(in.cfg.Worker.Groups...))
	return &WorkerApp{
		infra:   in,
		workers: workers,
		metrics: newMetricsServer(in.cfg.MetricsAddr, svc, in.logger),
	}, nil
}

// Run consumes until ctx is cancelled or a worker fails.
func (a *WorkerApp) Run(ctx context.Context) error {
	return runWorkers(ctx, a.workers, a.metrics)
}

func runWorkers(ctx context.Context, workers []*worker.Worker, metrics *metricsServer) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("worker %s: %w", w.Group(), err)
			}
			return nil
		})
	}
	g.Go(func() error { return metrics.run(gctx) })
	return g.Wait()
}

// Close releases connections.
func (a *WorkerApp) Close() error {
	return a.infra.Close()
}
