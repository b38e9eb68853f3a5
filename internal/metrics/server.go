package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Probe reports whether a health condition holds.
type Probe func() bool

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr     string
	Gatherer prometheus.Gatherer // defaults to prometheus.DefaultGatherer
	Logger   *slog.Logger

	// Live backs /health and /healthz. Nil always reports ok.
	Live Probe

	// Ready backs /ready and /readyz. Nil falls back to Live.
	Ready Probe
}

// Server provides HTTP endpoints for Prometheus metrics and health checks.
type Server struct {
	addr     string
	server   *http.Server
	logger   *slog.Logger
	listener net.Listener
}

// NewServer creates a new metrics server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Ready == nil {
		cfg.Ready = cfg.Live
	}

	return &Server{
		addr:   cfg.Addr,
		logger: cfg.Logger,
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      NewHandler(cfg.Gatherer, cfg.Live, cfg.Ready),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  30 * time.Second,
		},
	}
}

// NewHandler returns the metrics and health mux.
func NewHandler(gatherer prometheus.Gatherer, live, ready Probe) http.Handler {
	mux := http.NewServeMux()

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Health check endpoint
	mux.Handle("/health", probeHandler(live))
	mux.Handle("/healthz", probeHandler(live))

	// Ready check
	mux.Handle("/ready", probeHandler(ready))
	mux.Handle("/readyz", probeHandler(ready))

	return mux
}

// probeHandler answers 200 "ok" while probe holds and 503 otherwise.
func probeHandler(probe Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if probe != nil && !probe() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "unavailable")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}
}

// Start binds the listener and serves in a goroutine.
// Returns once bound. Use Shutdown to stop.
func (s *Server) Start() error {
	s.logger.Info("metrics_server_starting", "addr", s.addr)

	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", s.addr, err)
	}
	s.listener = lis

	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics_server_error", "error", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Debug("metrics_server_shutting_down")
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
