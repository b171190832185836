// Package metrics provides the Prometheus metrics and health HTTP server.
package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cvewatch/cvewatch/internal/feed/poller"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is a struct that holds the HTTP server and its configuration.
type Server struct {
	reg    prometheus.Gatherer
	health dHealth

	addr       net.Addr
	httpServer *http.Server

	mu sync.RWMutex
}

// Config holds the configuration for the metrics server.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type dHealth interface {
	Status() poller.Status
}

type options struct {
	health dHealth
}

// Options represents an optional function to override Server default values.
type Options func(*options)

// WithHealth serves the status of h on /healthz.
func WithHealth(h dHealth) Options {
	return func(o *options) {
		o.health = h
	}
}

// New creates a new metrics server with the provided registry and host/port.
func New(cfg Config, reg prometheus.Gatherer, args ...Options) *Server {
	var opts options
	for _, opt := range args {
		opt(&opts)
	}

	s := &Server{
		reg:    reg,
		health: opts.health,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if s.health != nil {
		mux.HandleFunc("GET /healthz", s.serveHealth)
	}

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// serveHealth reports the last poll cycle. It answers 503 while the last cycle failed.
func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.health.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.LastError != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		slog.Warn("Failed to write health status", "err", err)
	}
}

// ListenAndServe starts the HTTP server and listens for incoming requests.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	return s.httpServer.Serve(listener)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close stops the server.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}
