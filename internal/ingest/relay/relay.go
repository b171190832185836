// Package relay republishes the vulnerabilities received from the feed to NATS as CloudEvents.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cvewatch/cvewatch/internal/broadcast"
	"github.com/cvewatch/cvewatch/internal/vulnerabilities"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultSubject is the NATS subject events are published on.
	DefaultSubject = "cvewatch.vulnerabilities"
	// EventType is the CloudEvent type of a relayed vulnerability.
	EventType = "io.cvewatch.vulnerability.created"
	// EventSource is the CloudEvent source of a relayed vulnerability.
	EventSource = "cvewatch/ingest"
)

// Relay publishes vulnerabilities to a message broker.
type Relay struct {
	pub     dPublisher
	subject string
	now     func() time.Time

	published prometheus.Counter
	failures  prometheus.Counter
	missed    prometheus.Counter
}

type dPublisher interface {
	Publish(subject string, data []byte) error
}

type options struct {
	subject string
	now     func() time.Time
}

// Options represents an optional function to override Relay default values.
type Options func(*options)

// WithSubject sets the subject events are published on.
func WithSubject(subject string) Options {
	return func(o *options) {
		if subject != "" {
			o.subject = subject
		}
	}
}

// Connect opens a NATS connection which keeps reconnecting in the background.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("cvewatch-ingest"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("Disconnected from NATS", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("could not connect to NATS at %s: %v", url, err)
	}
	return nc, nil
}

type dConn interface {
	Drain() error
	IsClosed() bool
	Close()
}

// Drain flushes the pending publishes of conn and closes it.
// The connection is closed without flushing if draining takes longer than timeout.
func Drain(conn dConn, timeout time.Duration) error {
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("could not drain NATS connection: %v", err)
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !conn.IsClosed() {
		select {
		case <-ticker.C:
		case <-deadline:
			conn.Close()
			return errors.New("timeout while draining NATS connection, pending events may be lost")
		}
	}
	return nil
}

// New creates a relay publishing through pub and registers its metrics.
func New(pub dPublisher, reg prometheus.Registerer, args ...Options) (*Relay, error) {
	opts := options{
		subject: DefaultSubject,
		now:     time.Now,
	}
	for _, opt := range args {
		opt(&opts)
	}

	r := &Relay{
		pub:     pub,
		subject: opts.subject,
		now:     opts.now,
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cvewatch_relay_published_total",
			Help: "Number of vulnerability events published to NATS.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cvewatch_relay_errors_total",
			Help: "Number of vulnerability events which could not be published to NATS.",
		}),
		missed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cvewatch_relay_missed_total",
			Help: "Number of vulnerabilities dropped because the relay fell behind the feed.",
		}),
	}

	for _, c := range []prometheus.Collector{r.published, r.failures, r.missed} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register relay metrics: %v", err)
		}
	}
	return r, nil
}

// Name identifies the relay among consumers.
func (r *Relay) Name() string {
	return "nats"
}

// Consume publishes vulnerabilities from feed until it is closed or ctx is done.
//
// Publish failures and lag are logged and counted. It returns nil once the feed is closed.
func (r *Relay) Consume(ctx context.Context, feed vulnerabilities.Feed) error {
	for {
		v, err := feed.Recv(ctx)
		var lagged *broadcast.LaggedError
		switch {
		case errors.Is(err, broadcast.ErrClosed):
			slog.Debug("Feed closed, stopping NATS relay")
			return nil
		case errors.As(err, &lagged):
			slog.Warn("NATS relay fell behind the feed", "missed", lagged.Missed)
			r.missed.Add(float64(lagged.Missed))
			continue
		case err != nil:
			return err
		}

		if err := r.publish(v); err != nil {
			slog.Error("Failed to relay vulnerability", "key", v.Key, "err", err)
			r.failures.Inc()
			continue
		}
		r.published.Inc()
	}
}

func (r *Relay) publish(v vulnerabilities.NewVulnerability) error {
	data, err := encodeEvent(v, r.now())
	if err != nil {
		return err
	}
	return r.pub.Publish(r.subject, data)
}

// encodeEvent wraps v into a structured mode CloudEvent.
func encodeEvent(v vulnerabilities.NewVulnerability, at time.Time) ([]byte, error) {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(EventSource)
	event.SetType(EventType)
	event.SetSubject(v.Key)
	event.SetTime(at)
	if err := event.SetData(cloudevents.ApplicationJSON, v); err != nil {
		return nil, fmt.Errorf("could not encode event data: %v", err)
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %v", err)
	}
	return json.Marshal(event)
}
