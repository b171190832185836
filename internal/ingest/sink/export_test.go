package sink

import "github.com/prometheus/client_golang/prometheus"

type DStore = dStore

// Counters returns the stored, failed and missed counters.
func (s *Sink) Counters() (stored, failures, missed prometheus.Counter) {
	return s.stored, s.failures, s.missed
}
