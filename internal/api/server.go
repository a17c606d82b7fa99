// Package api serves the daemon's health, run report and metrics endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
	"github.com/tgkiet/air-quality-weather-meteo/internal/metrics"
	"github.com/tgkiet/air-quality-weather-meteo/internal/store"
)

// Options wires the server to the running daemon.
type Options struct {
	Sink     store.Sink
	Stations []ingest.Station
	Status   StatusSource
	Runs     RunSource
	NextRun  func() time.Time
	Metrics  *metrics.Metrics
	Version  string
	Logger   *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	logger     *slog.Logger
}

// NewServer creates a new API server with all routes registered.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		Sink:      opts.Sink,
		Stations:  opts.Stations,
		Status:    opts.Status,
		Runs:      opts.Runs,
		NextRun:   opts.NextRun,
		Logger:    logger,
		StartTime: time.Now(),
		Version:   opts.Version,
	}

	mux := http.NewServeMux()

	// API routes.
	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/stations", h.ListStations)
	mux.HandleFunc("GET /api/v1/stations/{station_id}", h.GetStation)
	mux.HandleFunc("GET /api/v1/runs/latest", h.LatestRun)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Metrics.Registry, promhttp.HandlerOpts{
			Registry:          opts.Metrics.Registry,
			EnableOpenMetrics: true,
		}))
	}

	// Apply middleware (outermost runs first).
	var handler http.Handler = mux
	handler = ContentType(handler)
	handler = SecurityHeaders(handler)
	handler = Logger(logger)(handler)
	handler = RequestID(handler)
	handler = Recovery(logger)(handler)

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, handlers: h, logger: logger}
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe starts the HTTP server. Blocks until context is cancelled,
// then shuts the server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api server: %w", err)
	}
	s.logger.Info("api server starting", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
