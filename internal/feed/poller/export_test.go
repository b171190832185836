package poller

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type (
	DFetcher   = dFetcher
	DDecoder   = dDecoder
	DPublisher = dPublisher
)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Options {
	return func(o *options) {
		o.now = now
	}
}

// RecordsCounter returns the counter of records with the given outcome.
func (p *Poller) RecordsCounter(outcome string) prometheus.Counter {
	return p.records.WithLabelValues(outcome)
}

// CyclesCounter returns the counter of cycles with the given result.
func (p *Poller) CyclesCounter(result string) prometheus.Counter {
	return p.cycles.WithLabelValues(result)
}
