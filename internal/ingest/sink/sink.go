// Package sink stores the vulnerabilities received from the feed.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cvewatch/cvewatch/internal/broadcast"
	"github.com/cvewatch/cvewatch/internal/vulnerabilities"
	"github.com/prometheus/client_golang/prometheus"
)

// Sink writes every received vulnerability to a store.
type Sink struct {
	store dStore

	stored   prometheus.Counter
	failures prometheus.Counter
	missed   prometheus.Counter
}

type dStore interface {
	CreateVulnerability(ctx context.Context, v vulnerabilities.NewVulnerability) (vulnerabilities.Vulnerability, error)
}

// New creates a sink writing to store and registers its metrics.
func New(store dStore, reg prometheus.Registerer) (*Sink, error) {
	s := &Sink{
		store: store,
		stored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cvewatch_sink_stored_total",
			Help: "Number of vulnerabilities written to the store.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cvewatch_sink_store_errors_total",
			Help: "Number of vulnerabilities the store failed to write.",
		}),
		missed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cvewatch_sink_missed_total",
			Help: "Number of vulnerabilities dropped because the sink fell behind the feed.",
		}),
	}

	for _, c := range []prometheus.Collector{s.stored, s.failures, s.missed} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register sink metrics: %v", err)
		}
	}
	return s, nil
}

// Name identifies the sink among consumers.
func (s *Sink) Name() string {
	return "store"
}

// Consume stores vulnerabilities from feed until it is closed or ctx is done.
//
// Store failures and lag are logged and counted, they never stop the sink.
// It returns nil once the feed is closed.
func (s *Sink) Consume(ctx context.Context, feed vulnerabilities.Feed) error {
	for {
		v, err := feed.Recv(ctx)
		var lagged *broadcast.LaggedError
		switch {
		case errors.Is(err, broadcast.ErrClosed):
			slog.Debug("Feed closed, stopping store sink")
			return nil
		case errors.As(err, &lagged):
			slog.Warn("Store sink fell behind the feed", "missed", lagged.Missed)
			s.missed.Add(float64(lagged.Missed))
			continue
		case err != nil:
			return err
		}

		stored, err := s.store.CreateVulnerability(ctx, v)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("Failed to store vulnerability", "key", v.Key, "err", err)
			s.failures.Inc()
			continue
		}
		slog.Debug("Stored vulnerability", "key", stored.Key, "id", stored.ID)
		s.stored.Inc()
	}
}
