package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/basecore/eventpipe/dlq"
	"github.com/basecore/eventpipe/monitor"
)

var errUsage = errors.New("usage")

type deps struct {
	dlq   *dlq.Manager
	stats *monitor.Service
}

func execute(ctx context.Context, d deps, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "stats":
		return statsCmd(ctx, d, args[1:], out)
	case "pending":
		return pendingCmd(ctx, d, args[1:], out)
	case "dead-letters", "dlq":
		if len(args) < 2 {
			return errUsage
		}
		switch args[1] {
		case "list":
			return listCmd(ctx, d, args[2:], out)
		case "count":
			return countCmd(ctx, d, args[2:], out)
		case "replay":
			return replayCmd(ctx, d, args[2:], out)
		}
	}
	return errUsage
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

type filterFlags struct {
	group     string
	eventType string
	tenant    string
	since     time.Duration
	limit     int
	offset    int
}

func (f *filterFlags) bind(fs *flag.FlagSet, paged bool) {
	fs.StringVar(&f.group, "group", "", "consumer group")
	fs.StringVar(&f.eventType, "event-type", "", "event type")
	fs.StringVar(&f.tenant, "tenant", "", "tenant id")
	fs.DurationVar(&f.since, "since", 0, "only entries created within this window")
	if paged {
		fs.IntVar(&f.limit, "limit", 50, "maximum entries")
		fs.IntVar(&f.offset, "offset", 0, "entries to skip")
	}
}

func (f *filterFlags) filter() dlq.Filter {
	filter := dlq.Filter{
		Group:     f.group,
		EventType: f.eventType,
		TenantID:  f.tenant,
		Limit:     f.limit,
		Offset:    f.offset,
	}
	if f.since > 0 {
		filter.Since = time.Now().Add(-f.since)
	}
	return filter
}

func statsCmd(ctx context.Context, d deps, args []string, out io.Writer) error {
	fs := newFlagSet("stats", out)
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	snap, err := d.stats.Snapshot(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(out, snap)
	}

	fmt.Fprintf(out, "stream length:   %d\n", snap.StreamLength)
	fmt.Fprintf(out, "outbox pending:  %d\n", snap.OutboxPending)
	fmt.Fprintf(out, "relay lag:       %s\n", snap.RelayLag)
	fmt.Fprintf(out, "dead letters:    %d\n\n", snap.DeadLetters)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tCONSUMERS\tPENDING\tLAG\tDEAD LETTERS")
	for _, g := range snap.Groups {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", g.Name, g.Consumers, g.Pending, g.Lag, g.DeadLetters)
	}
	return tw.Flush()
}

func pendingCmd(ctx context.Context, d deps, args []string, out io.Writer) error {
	fs := newFlagSet("pending", out)
	group := fs.String("group", "", "consumer group")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := d.stats.PendingCount(ctx, *group)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, n)
	return nil
}

func listCmd(ctx context.Context, d deps, args []string, out io.Writer) error {
	fs := newFlagSet("dead-letters list", out)
	var ff filterFlags
	ff.bind(fs, true)
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	entries, err := d.dlq.ListFiltered(ctx, ff.filter())
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(out, entries)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT ID\tGROUP\tEVENT TYPE\tTENANT\tATTEMPTS\tCREATED\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.EventID, e.Group, e.Envelope.EventType, e.Envelope.TenantID,
			e.AttemptCount, e.CreatedAt.Format(time.RFC3339), e.LastError)
	}
	return tw.Flush()
}

func countCmd(ctx context.Context, d deps, args []string, out io.Writer) error {
	fs := newFlagSet("dead-letters count", out)
	group := fs.String("group", "", "consumer group")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := d.dlq.Count(ctx, *group)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, n)
	return nil
}

func replayCmd(ctx context.Context, d deps, args []string, out io.Writer) error {
	fs := newFlagSet("dead-letters replay", out)
	var ff filterFlags
	ff.bind(fs, false)
	eventID := fs.String("event-id", "", "event to replay")
	all := fs.Bool("all", false, "replay every entry matching the filter")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *all {
		if *eventID != "" {
			return errors.New("-all and -event-id are exclusive")
		}
		n, err := d.dlq.ReplayAll(ctx, ff.filter())
		fmt.Fprintf(out, "replayed %d entries\n", n)
		return err
	}

	if *eventID == "" || ff.group == "" {
		return errors.New("replay needs -group and -event-id, or -all")
	}
	streamID, err := d.dlq.Replay(ctx, *eventID, ff.group)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "replayed %s for %s as %s\n", *eventID, ff.group, streamID)
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
