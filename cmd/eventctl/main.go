// Command eventctl inspects and replays dead letters and prints pipeline stats.
//
//	eventctl stats
//	eventctl pending -group stock
//	eventctl dead-letters list [-group g] [-event-type t] [-tenant t] [-limit n]
//	eventctl dead-letters count [-group g]
//	eventctl dead-letters replay -group g -event-id id
//	eventctl dead-letters replay -all [-group g] [-event-type t] [-tenant t]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/basecore/eventpipe/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	err := run(ctx, os.Args[1:], os.Stdout)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if errors.Is(err, errUsage) {
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("eventctl: %v", err)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	op, err := app.BuildOperator(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := op.Close(); err != nil {
			log.Printf("eventctl close failed: %v", err)
		}
	}()
	return execute(ctx, deps{dlq: op.DLQ, stats: op.Stats}, args, out)
}

func usage(w io.Writer) {
	fmt.Fprint(w, `usage: eventctl <command> [flags]

commands:
  stats                       pipeline snapshot
  pending -group g            un-acked messages of a group
  dead-letters list           list dead-letter entries
  dead-letters count          count dead-letter entries
  dead-letters replay         re-inject entries for their group
`)
}
