// Package ingest runs the vulnerability ingestion service in the background.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cvewatch/cvewatch/internal/feed/poller"
)

// Service polls the CVE feed and runs the consumers of the produced vulnerabilities.
type Service struct {
	poller        Poller
	feed          Feed
	workerPool    WorkerPool
	metricsServer MetricsServer

	// This context is used to interrupt any action.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// This context stops polling, consumers then drain what was already published.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	maxDegradedDuration time.Duration

	running chan struct{} // Channel to signal when the service is running.
}

// Poller produces vulnerabilities in the background until its handle is stopped.
type Poller interface {
	Start(ctx context.Context) *poller.Handle
}

// Feed is the channel the poller publishes to. Closing it lets consumers finish.
type Feed interface {
	Close()
}

// WorkerPool is an interface that defines the methods for a worker pool.
//
// Subscribed is closed once every consumer is subscribed to the feed.
type WorkerPool interface {
	Run(ctx context.Context) error
	Subscribed() <-chan struct{}
}

// MetricsServer is an interface that defines the methods for a metrics server.
type MetricsServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

type options struct {
	maxDegradedDuration time.Duration
}

// Option is a function which tweaks the creation of the Service.
type Option func(*options)

var (
	// errServiceClosed is returned when the service is already closed.
	errServiceClosed = errors.New("service closed")

	// ErrTeardownTimeout is returned when the service takes too long to shut down.
	// A force Quit may be required to cleanup the service.
	ErrTeardownTimeout = errors.New("service teardown timed out")
)

// New creates a new ingest service.
func New(ctx context.Context, poller Poller, feed Feed, workerPool WorkerPool, metricsServer MetricsServer, args ...Option) *Service {
	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	opts := options{
		maxDegradedDuration: 2 * time.Minute,
	}
	for _, arg := range args {
		arg(&opts)
	}

	running := make(chan struct{})
	close(running) // Close immediately to avoid blocking on the channel.
	return &Service{
		poller:        poller,
		feed:          feed,
		workerPool:    workerPool,
		metricsServer: metricsServer,

		ctx:            ctx,
		cancel:         cancel,
		gracefulCtx:    gCtx,
		gracefulCancel: gCancel,

		maxDegradedDuration: opts.maxDegradedDuration,

		running: running,
	}
}

// Run starts the ingest service.
//
// Returns once all sub-services have completed, or after an extended time being in a degraded state.
// The degraded state starts as soon as a stop was requested or one of the sub-services failed.
func (s *Service) Run() error {
	slog.Info("Ingest service started")

	select {
	case <-s.gracefulCtx.Done():
		return fmt.Errorf("%w: %w", errServiceClosed, s.gracefulCtx.Err())
	default:
	}

	s.running = make(chan struct{})
	defer close(s.running)
	defer s.cancel() // Ensure we cancel the context when done, regardless of result.

	subServices := []func() error{s.runPoller, s.runWorkers, s.runMetrics}
	done := make(chan error, len(subServices))
	for _, run := range subServices {
		go func() { done <- run() }()
	}

	var err error
	stopping := s.gracefulCtx.Done()
	var teardown <-chan time.Time
	for remaining := len(subServices); remaining > 0; {
		select {
		case e := <-done:
			err = errors.Join(err, e)
			remaining--
		case <-stopping:
			slog.Info("Waiting for ingest services to finish")
			stopping = nil
			teardown = time.After(s.maxDegradedDuration)
		case <-teardown:
			// We've waited for teardown for too long, give up even though errors may be lost.
			slog.Warn("Ingest service teardown timed out")
			return errors.Join(err, ErrTeardownTimeout)
		}
	}

	return err
}

// runPoller polls until a stop is requested, then closes the feed.
// Polling starts once the consumers are subscribed, so they receive the first cycle.
func (s *Service) runPoller() error {
	defer s.feed.Close()

	select {
	case <-s.workerPool.Subscribed():
	case <-s.gracefulCtx.Done():
		slog.Info("Poller not started", "reason", s.gracefulCtx.Err())
		return nil
	}

	slog.Info("Starting poller")
	h := s.poller.Start(s.gracefulCtx)
	select {
	case <-h.Done():
	case <-s.gracefulCtx.Done():
		h.Stop()
	}

	if err := h.Err(); err != nil && !errors.Is(err, context.Canceled) {
		s.gracefulCancel()
		slog.Error("Poller encountered an error", "err", err)
		return fmt.Errorf("poller error: %v", err)
	}
	slog.Info("Poller stopped")
	return nil
}

// runWorkers runs the consumers until the feed is closed and drained.
func (s *Service) runWorkers() error {
	slog.Info("Starting worker pool")

	if err := s.workerPool.Run(s.ctx); err != nil && !errors.Is(err, s.ctx.Err()) {
		s.gracefulCancel() // Request stop if workers fail.
		slog.Error("Worker pool encountered an error", "err", err)
		return fmt.Errorf("ingest workers error: %v", err)
	}
	slog.Info("Workers stopped")
	return nil
}

func (s *Service) runMetrics() error {
	slog.Info("Starting metrics server")

	metricsErrCh := make(chan error, 1)
	go func() {
		defer close(metricsErrCh)
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metricsErrCh <- err
		}
	}()

	select {
	case <-s.gracefulCtx.Done():
		// gracefulCtx is also done when ctx is, which does not leave time for a graceful shutdown.
		if s.ctx.Err() != nil {
			slog.Info("Closing metrics server", "reason", s.ctx.Err())
			s.metricsServer.Close()
			return nil
		}
		slog.Info("Graceful shutdown initiated for metrics server")
		if err := s.metricsServer.Shutdown(s.ctx); err != nil {
			slog.Error("Metrics server graceful shutdown encountered error", "err", err)
			return fmt.Errorf("metrics server shutdown error: %v", err)
		}
	case err := <-metricsErrCh:
		s.gracefulCancel() // Request stop if metrics fail.
		if err != nil {
			slog.Error("Metrics server encountered error", "err", err)
			return fmt.Errorf("metrics server error: %v", err)
		}
	}
	slog.Info("Metrics server shut down gracefully")
	return nil
}

// Quit stops the ingest service.
// Blocks until the service has finished running.
//
// A graceful quit stops polling and lets consumers drain the feed. A forced quit interrupts everything.
func (s *Service) Quit(force bool) {
	slog.Info("Stopping ingest service")

	if force {
		s.cancel()
		s.metricsServer.Close()
	} else {
		s.gracefulCancel()
	}

	<-s.running // Wait for the service to finish running.
}
