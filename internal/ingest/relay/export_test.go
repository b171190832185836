package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type DPublisher = dPublisher

// WithClock overrides the event time source.
func WithClock(now func() time.Time) Options {
	return func(o *options) {
		o.now = now
	}
}

// Counters returns the published, failed and missed counters.
func (r *Relay) Counters() (published, failures, missed prometheus.Counter) {
	return r.published, r.failures, r.missed
}
