// Package workers runs the consumers of the vulnerability feed.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cvewatch/cvewatch/internal/broadcast"
	"github.com/cvewatch/cvewatch/internal/vulnerabilities"
	"github.com/prometheus/client_golang/prometheus"
)

// Pool is a struct that holds the consumer management logic.
type Pool struct {
	feed      dBroadcaster
	consumers []Consumer

	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu      sync.Mutex
	running map[string]bool

	subscribed     chan struct{}
	subscribedOnce sync.Once

	activeConsumers prometheus.Gauge
}

type dBroadcaster interface {
	Subscribe() *broadcast.Subscription[vulnerabilities.NewVulnerability]
}

// Consumer processes the vulnerabilities of one subscription.
type Consumer interface {
	Name() string
	Consume(ctx context.Context, feed vulnerabilities.Feed) error
}

type options struct {
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// Options represents an optional function to override Pool default values.
type Options func(*options)

// WithRestartBackoff sets the bounds of the jittered delay before a failed consumer is restarted.
func WithRestartBackoff(base, maxDelay time.Duration) Options {
	return func(o *options) {
		o.baseBackoff = base
		o.maxBackoff = maxDelay
	}
}

// New creates a new worker pool running every consumer on its own subscription to feed.
func New(feed dBroadcaster, consumers []Consumer, reg prometheus.Registerer, args ...Options) (*Pool, error) {
	opts := options{
		baseBackoff: 5 * time.Second,
		maxBackoff:  30 * time.Second,
	}
	for _, opt := range args {
		opt(&opts)
	}

	activeConsumers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cvewatch_active_consumers",
		Help: "Number of feed consumers currently running.",
	})
	if err := reg.Register(activeConsumers); err != nil {
		return nil, fmt.Errorf("failed to register active consumers gauge: %v", err)
	}

	return &Pool{
		feed:            feed,
		consumers:       consumers,
		baseBackoff:     opts.baseBackoff,
		maxBackoff:      opts.maxBackoff,
		running:         make(map[string]bool),
		subscribed:      make(chan struct{}),
		activeConsumers: activeConsumers,
	}, nil
}

// Subscribed is closed once Run subscribed every consumer to the feed.
func (m *Pool) Subscribed() <-chan struct{} {
	return m.subscribed
}

// Run starts every consumer and blocks until all of them are done.
//
// All consumers are subscribed before Run starts any of them, so none misses a value sent after
// Subscribed is closed.
// Consumers end when the feed is closed. A consumer returning an error is restarted on a fresh
// subscription after a jittered exponential delay.
// Returns the context error if ctx was canceled, nil otherwise.
func (m *Pool) Run(ctx context.Context) error {
	slog.Info("Starting feed consumers", "count", len(m.consumers))

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	subs := make([]*broadcast.Subscription[vulnerabilities.NewVulnerability], len(m.consumers))
	for i := range m.consumers {
		subs[i] = m.feed.Subscribe()
	}
	m.subscribedOnce.Do(func() { close(m.subscribed) })

	var wg sync.WaitGroup
	for i, c := range m.consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.consumerWorker(ctx, c, subs[i])
		}()
	}
	wg.Wait()

	slog.Info("Feed consumers stopped")
	return ctx.Err()
}

// consumerWorker runs c on sub until the feed is closed or ctx is canceled.
// Restarts use a new subscription.
func (m *Pool) consumerWorker(ctx context.Context, c Consumer, sub *broadcast.Subscription[vulnerabilities.NewVulnerability]) {
	name := c.Name()
	m.setRunning(name, true)
	defer m.setRunning(name, false)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.baseBackoff
	b.MaxInterval = m.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		err := c.Consume(ctx, sub)
		sub.Close()

		if ctx.Err() != nil {
			slog.Debug("Consumer context canceled", "consumer", name)
			return
		}
		if err == nil {
			slog.Info("Consumer finished", "consumer", name)
			return
		}

		sleep := b.NextBackOff()
		slog.Error("Consumer failed, restarting", "consumer", name, "err", err, "in", sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			slog.Debug("Consumer context canceled", "consumer", name)
			return
		}
		sub = m.feed.Subscribe()
	}
}

func (m *Pool) setRunning(name string, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if running {
		m.running[name] = true
		m.activeConsumers.Inc()
		return
	}
	delete(m.running, name)
	m.activeConsumers.Dec()
}
