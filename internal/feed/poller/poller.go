// Package poller periodically pulls the latest CVE release and publishes its vulnerabilities.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cvewatch/cvewatch/internal/feed/archive"
	"github.com/cvewatch/cvewatch/internal/feed/cve"
	"github.com/cvewatch/cvewatch/internal/feed/release"
	"github.com/cvewatch/cvewatch/internal/vulnerabilities"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultInterval is the period releases are published at upstream.
	DefaultInterval = 2 * time.Hour
	// DefaultOffset is added to each aligned wake time, so that the release has been published when polling.
	DefaultOffset = 10 * time.Minute
)

// Mode selects which release asset is ingested.
type Mode int

const (
	// ModeFull ingests the snapshot of every record on each cycle.
	ModeFull Mode = iota
	// ModeDelta ingests only the records changed since the previous release.
	ModeDelta
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeDelta:
		return "delta"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode returns the mode matching s.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "full", "":
		return ModeFull, nil
	case "delta":
		return ModeDelta, nil
	default:
		return 0, fmt.Errorf("unknown poll mode %q, expected full or delta", s)
	}
}

// Outcomes of a record, as counted in metrics.
const (
	outcomePublished     = "published"
	outcomeRejected      = "rejected"
	outcomeInvalidID     = "invalid_id"
	outcomeNoDescription = "no_description"
)

// Poller runs poll cycles: fetch, extract, decode and publish, then waits for the next aligned wake time.
type Poller struct {
	fetcher dFetcher
	decoder dDecoder
	out     dPublisher

	interval time.Duration
	offset   time.Duration
	mode     Mode
	now      func() time.Time

	mu     sync.Mutex
	status Status

	cycles   *prometheus.CounterVec
	records  *prometheus.CounterVec
	duration prometheus.Histogram
}

type dFetcher interface {
	Latest(ctx context.Context, full bool) (release.Asset, []byte, error)
}

type dDecoder interface {
	Decode(ctx context.Context, files []archive.File) ([]cve.Record, error)
}

type dPublisher interface {
	Send(v vulnerabilities.NewVulnerability) (int, error)
}

// Status is the state of the last poll cycle.
type Status struct {
	LastPollAt time.Time `json:"lastPollAt,omitzero"`
	NextPollAt time.Time `json:"nextPollAt,omitzero"`
	LastError  string    `json:"lastError,omitempty"`
	Published  int       `json:"published"`
}

type options struct {
	interval time.Duration
	offset   time.Duration
	mode     Mode
	now      func() time.Time
}

// Options represents an optional function to override Poller default values.
type Options func(*options)

// WithInterval sets the alignment of wake times.
func WithInterval(d time.Duration) Options {
	return func(o *options) {
		o.interval = d
	}
}

// WithOffset sets the delay added to each aligned wake time.
func WithOffset(d time.Duration) Options {
	return func(o *options) {
		o.offset = d
	}
}

// WithMode sets which release asset is ingested.
func WithMode(m Mode) Options {
	return func(o *options) {
		o.mode = m
	}
}

// New creates a Poller publishing to out and registers its metrics to reg.
func New(fetcher dFetcher, decoder dDecoder, out dPublisher, reg prometheus.Registerer, args ...Options) (*Poller, error) {
	opts := options{
		interval: DefaultInterval,
		offset:   DefaultOffset,
		mode:     ModeFull,
		now:      time.Now,
	}
	for _, opt := range args {
		opt(&opts)
	}

	if opts.interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", opts.interval)
	}
	if opts.offset < 0 {
		return nil, fmt.Errorf("poll offset must not be negative, got %s", opts.offset)
	}

	p := &Poller{
		fetcher:  fetcher,
		decoder:  decoder,
		out:      out,
		interval: opts.interval,
		offset:   opts.offset,
		mode:     opts.mode,
		now:      opts.now,

		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cvewatch_poll_cycles_total",
			Help: "Number of poll cycles, by result.",
		}, []string{"result"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cvewatch_records_total",
			Help: "Number of decoded records, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cvewatch_poll_duration_seconds",
			Help:    "Duration of poll cycles.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	for _, c := range []prometheus.Collector{p.cycles, p.records, p.duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register poller metrics: %v", err)
		}
	}

	return p, nil
}

// NextWake returns the first multiple of interval strictly after now, plus offset.
func NextWake(now time.Time, interval, offset time.Duration) time.Time {
	next := now.Truncate(interval)
	if !next.After(now) {
		next = next.Add(interval)
	}
	return next.Add(offset)
}

// Run polls immediately, then at every wake time, until ctx is canceled.
//
// A failed cycle is logged and the next one waits for the following wake time.
// Always returns a non-nil error, which is the context error.
func (p *Poller) Run(ctx context.Context) error {
	slog.Info("Poller started", "mode", p.mode, "interval", p.interval, "offset", p.offset)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := p.now()
		published, err := p.poll(ctx)
		if ctx.Err() != nil {
			slog.Info("Poll cycle interrupted, stopping poller")
			return ctx.Err()
		}
		p.duration.Observe(p.now().Sub(start).Seconds())

		next := NextWake(p.now(), p.interval, p.offset)
		p.setStatus(start, next, published, err)

		if err != nil {
			p.cycles.WithLabelValues("failure").Inc()
			slog.Error("Poll cycle failed", "err", err, "next", next)
		} else {
			p.cycles.WithLabelValues("success").Inc()
			slog.Info("Poll cycle completed", "published", published, "next", next)
		}

		timer := time.NewTimer(next.Sub(p.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("Context canceled, stopping poller")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Status returns the state of the last poll cycle.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) setStatus(at, next time.Time, published int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status = Status{
		LastPollAt: at,
		NextPollAt: next,
		Published:  published,
	}
	if err != nil {
		p.status.LastError = err.Error()
	}
}

// poll runs a single cycle and returns how many vulnerabilities were published.
// Each stage only starts once the previous one is complete.
func (p *Poller) poll(ctx context.Context) (int, error) {
	full := p.mode == ModeFull

	asset, data, err := p.fetcher.Latest(ctx, full)
	if err != nil {
		return 0, err
	}

	files, err := archive.ExtractAsync(ctx, data, full)
	if err != nil {
		return 0, fmt.Errorf("could not extract %s: %w", asset.Name, err)
	}

	records, err := p.decoder.Decode(ctx, files)
	if err != nil {
		return 0, fmt.Errorf("could not decode %s: %w", asset.Name, err)
	}

	return p.publish(ctx, records)
}

// publish normalizes records and sends the resulting vulnerabilities.
// Records which cannot be normalized are counted and dropped.
func (p *Poller) publish(ctx context.Context, records []cve.Record) (published int, err error) {
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return published, err
		}

		v, err := cve.Normalize(rec)
		if err != nil {
			outcome := outcomeNoDescription
			switch {
			case errors.Is(err, cve.ErrRejected):
				outcome = outcomeRejected
			case errors.Is(err, cve.ErrInvalidID):
				outcome = outcomeInvalidID
				slog.Warn("Dropping record with invalid identifier", "err", err)
			default:
				slog.Debug("Dropping record without description", "err", err)
			}
			p.records.WithLabelValues(outcome).Inc()
			continue
		}

		if _, err := p.out.Send(v); err != nil {
			return published, fmt.Errorf("could not publish %s: %w", v.Key, err)
		}
		p.records.WithLabelValues(outcomePublished).Inc()
		published++
	}
	return published, nil
}
