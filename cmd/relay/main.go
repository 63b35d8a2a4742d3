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

// Relay process entrypoint.
// 1) Load config and connect to Postgres and Redis.
// 2) Poll the outbox and append pending events to the stream.
// 3) Serve /metrics until SIGINT or SIGTERM.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("relay stopped with error: %v", err)
	}
}

func run(ctx context.Context) error {
	relay, err := app.BuildRelay(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap relay: %w", err)
	}
	defer func() {
		if err := relay.Close(); err != nil {
			log.Printf("relay shutdown close failed: %v", err)
		}
	}()
	return relay.Run(ctx)
}
