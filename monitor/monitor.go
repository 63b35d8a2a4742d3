// Package monitor answers the pipeline's observability queries.
//
// The queries are read-only and computed from the live stores:
//   - PendingCount: messages delivered to a group but not yet acked
//   - DeadLetterCount: entries a group gave up on
//   - RelayLag: age of the oldest unpublished outbox event
//
// Example usage:
//
//	svc := monitor.New(stream, outboxStore, dlqManager,
//	    monitor.WithGroups("stock", "sales", "delivery", "whatsapp-notifier"),
//	)
//	prometheus.MustRegister(monitor.NewCollector(svc))
//	http.Handle("/", monitorhttp.New(svc))
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/basecore/eventpipe/dlq"
	"github.com/basecore/eventpipe/transport"
)

// ErrNoGroup is returned for an empty group name.
var ErrNoGroup = errors.New("monitor: group is required")

// OutboxReader is the part of the outbox store the monitor reads.
type OutboxReader interface {
	OldestPending(ctx context.Context) (time.Time, bool, error)
	PendingCount(ctx context.Context) (int64, error)
}

// GroupStats is the state of one consumer group.
type GroupStats struct {
	Name        string `json:"name"`
	Pending     int64  `json:"pending"`
	Lag         int64  `json:"lag"`
	Consumers   int64  `json:"consumers"`
	DeadLetters int64  `json:"dead_letters"`
}

// Snapshot is a point-in-time view of the whole pipeline.
type Snapshot struct {
	Groups        []GroupStats  `json:"groups"`
	RelayLag      time.Duration `json:"relay_lag"`
	OutboxPending int64         `json:"outbox_pending"`
	StreamLength  int64         `json:"stream_length"`
	DeadLetters   int64         `json:"dead_letters"`
	TakenAt       time.Time     `json:"taken_at"`
}

// Service runs the observability queries.
type Service struct {
	stream transport.Stream
	outbox OutboxReader
	dlq    *dlq.Manager
	opts   *options
}

// New creates a Service. Any source may be nil; its queries then return zero.
func New(stream transport.Stream, outbox OutboxReader, dlqm *dlq.Manager, opts ...Option) *Service {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Service{stream: stream, outbox: outbox, dlq: dlqm, opts: o}
}

// PendingCount returns the number of un-acked messages in group.
func (s *Service) PendingCount(ctx context.Context, group string) (int64, error) {
	if group == "" {
		return 0, ErrNoGroup
	}
	if s.stream == nil {
		return 0, nil
	}
	return s.stream.PendingCount(ctx, group)
}

// DeadLetterCount returns the number of dead-letter entries of group.
// An empty group counts every group.
func (s *Service) DeadLetterCount(ctx context.Context, group string) (int64, error) {
	if s.dlq == nil {
		return 0, nil
	}
	return s.dlq.Count(ctx, group)
}

// DeadLetters lists dead-letter entries matching filter, oldest first.
func (s *Service) DeadLetters(ctx context.Context, filter dlq.Filter) ([]*dlq.Entry, error) {
	if s.dlq == nil {
		return nil, nil
	}
	return s.dlq.ListFiltered(ctx, filter)
}

// RelayLag returns the age of the oldest pending outbox event, or zero
// when the outbox is drained.
func (s *Service) RelayLag(ctx context.Context) (time.Duration, error) {
	if s.outbox == nil {
		return 0, nil
	}
	oldest, ok, err := s.outbox.OldestPending(ctx)
	if err != nil || !ok {
		return 0, err
	}
	lag := s.opts.now().Sub(oldest)
	if lag < 0 {
		lag = 0
	}
	return lag, nil
}

// Snapshot collects every query in one view.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{TakenAt: s.opts.now().UTC()}

	lag, err := s.RelayLag(ctx)
	if err != nil {
		return nil, fmt.Errorf("relay lag: %w", err)
	}
	snap.RelayLag = lag

	if s.outbox != nil {
		if snap.OutboxPending, err = s.outbox.PendingCount(ctx); err != nil {
			return nil, fmt.Errorf("outbox pending: %w", err)
		}
	}
	if s.stream != nil {
		if snap.StreamLength, err = s.stream.Len(ctx); err != nil {
			return nil, fmt.Errorf("stream length: %w", err)
		}
	}

	groups, err := s.groups(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.DeadLetters, err = s.DeadLetterCount(ctx, g.Name); err != nil {
			return nil, fmt.Errorf("dead letters %s: %w", g.Name, err)
		}
		snap.DeadLetters += g.DeadLetters
		snap.Groups = append(snap.Groups, g)
	}
	return snap, nil
}

// Health reports the stream's health when it can tell.
func (s *Service) Health(ctx context.Context) *transport.HealthCheckResult {
	if hc, ok := s.stream.(transport.HealthChecker); ok {
		return hc.Health(ctx)
	}
	res := &transport.HealthCheckResult{
		Status:    transport.HealthStatusHealthy,
		CheckedAt: s.opts.now(),
	}
	if s.stream == nil {
		res.Status = transport.HealthStatusUnhealthy
		res.Message = "no stream configured"
		return res
	}
	if _, err := s.stream.Len(ctx); err != nil {
		res.Status = transport.HealthStatusUnhealthy
		res.Message = err.Error()
	}
	return res
}

// groups merges the configured groups with those the stream reports.
func (s *Service) groups(ctx context.Context) ([]GroupStats, error) {
	byName := make(map[string]GroupStats)
	if lister, ok := s.stream.(transport.GroupLister); ok {
		infos, err := lister.Groups(ctx)
		if err != nil {
			return nil, fmt.Errorf("list groups: %w", err)
		}
		for _, info := range infos {
			byName[info.Name] = GroupStats{
				Name:      info.Name,
				Pending:   info.Pending,
				Lag:       info.Lag,
				Consumers: info.Consumers,
			}
		}
	}
	for _, name := range s.opts.groups {
		if _, ok := byName[name]; ok {
			continue
		}
		g := GroupStats{Name: name}
		if s.stream != nil {
			n, err := s.stream.PendingCount(ctx, name)
			if err != nil && !errors.Is(err, transport.ErrNoGroup) {
				return nil, fmt.Errorf("pending %s: %w", name, err)
			}
			g.Pending = n
		}
		byName[name] = g
	}

	out := make([]GroupStats, 0, len(byName))
	for _, g := range byName {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
