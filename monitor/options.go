package monitor

import (
	"time"
)

type options struct {
	groups []string
	now    func() time.Time
}

func defaultOptions() *options {
	return &options{now: time.Now}
}

// Option configures a Service.
type Option func(*options)

// WithGroups names the consumer groups always reported, even before the
// stream knows them.
func WithGroups(groups ...string) Option {
	return func(o *options) {
		o.groups = append(o.groups, groups...)
	}
}

// WithClock sets the time source used for relay lag.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
