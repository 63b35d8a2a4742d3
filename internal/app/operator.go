package app

import (
	"context"

	"github.com/basecore/eventpipe/dlq"
	"github.com/basecore/eventpipe/monitor"
)

// Operator exposes dead-letter replay and the observability queries.
type Operator struct {
	infra *infra
	DLQ   *dlq.Manager
	Stats *monitor.Service
}

// BuildOperator connects for a one-shot operator command.
func BuildOperator(ctx context.Context) (*Operator, error) {
	in, err := connect(ctx, "eventctl")
	if err != nil {
		return nil, err
	}
	return &Operator{
		infra: in,
		DLQ:   in.dlq,
		Stats: monitor.New(in.stream, in.outbox, in.dlq, monitor.WithGroups(in.cfg.Worker.Groups...)),
	}, nil
}

// Close releases connections.
func (o *Operator) Close() error {
	return o.infra.Close()
}
