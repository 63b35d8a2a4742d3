package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/basecore/eventpipe/internal/app"
)

// Worker process entrypoint.
// 1) Load config and connect to Postgres and Redis.
// 2) Create the ledger, engine and messaging tables.
// 3) Run one consumer worker per WORKER_GROUPS entry until SIGINT or SIGTERM.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("worker stopped with error: %v", err)
	}
}

func run(ctx context.Context) error {
	w, err := app.BuildWorker(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap worker: %w", err)
	}
	defer func() {
		if err := w.Close(); err != nil {
			log.Printf("worker shutdown close failed: %v", err)
		}
	}()
	return w.Run(ctx)
}
