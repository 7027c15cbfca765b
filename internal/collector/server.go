// Package collector provides the HTTP ingest server for event batches.
//
// Producers post JSON arrays of events to POST /api/v1/events. The
// collector logs each batch, tallies it for GET /api/v1/stats, and can
// forward it to another sink such as NATS.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/traceway/internal/config"
	"github.com/fyrsmithlabs/traceway/internal/event"
	"github.com/fyrsmithlabs/traceway/internal/metrics"
	"github.com/fyrsmithlabs/traceway/internal/sink"
)

// Server receives event batches over HTTP.
type Server struct {
	echo     *echo.Echo
	config   config.CollectorConfig
	logger   *zap.Logger
	stats    *Stats
	metrics  *metrics.Metrics
	http     *HTTPMetrics
	registry *prometheus.Registry
	forward  sink.Sink
}

// Option configures a Server.
type Option func(*Server)

// WithForwarder sends every accepted batch on to s.
func WithForwarder(s sink.Sink) Option {
	return func(srv *Server) { srv.forward = s }
}

// WithRegistry registers Prometheus collectors on reg instead of a fresh
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(srv *Server) { srv.registry = reg }
}

// WithMeter records request metrics on meter.
func WithMeter(meter metric.Meter) Option {
	return func(srv *Server) { srv.http = NewHTTPMetrics(meter, srv.logger) }
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// IngestResponse is the response body for POST /api/v1/events.
type IngestResponse struct {
	Accepted int `json:"accepted"`
}

// New builds a server. Zero values in cfg fall back to the defaults.
func New(cfg config.CollectorConfig, logger *zap.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid collector port %d", cfg.Port)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = config.DefaultMaxBodyBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = config.Duration(config.DefaultShutdownTimeout)
	}
	if cfg.RecentEvents == 0 {
		cfg.RecentEvents = config.DefaultRecentEvents
	}

	s := &Server{
		config: cfg,
		logger: logger.Named("collector"),
		stats:  NewStats(cfg.RecentEvents),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	if s.http == nil {
		s.http = NewHTTPMetrics(nil, s.logger)
	}
	s.metrics = metrics.New(s.registry)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())
	e.Use(s.http.Middleware())
	s.echo = e

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/events", s.handleEvents)
	v1.GET("/stats", s.handleStats)
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}
			s.logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.stats.Snapshot())
}

func (s *Server) handleEvents(c echo.Context) error {
	req := c.Request()
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
				"batch exceeds "+strconv.FormatInt(s.config.MaxBodyBytes, 10)+" bytes")
		}
		return echo.NewHTTPError(http.StatusBadRequest, "reading request body")
	}

	batch, err := sink.Decode(body)
	if err != nil {
		s.logger.Warn("invalid event batch", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event batch")
	}

	ctx := req.Context()
	s.stats.Record(batch)
	perLevel := make(map[event.Level]int, len(event.Levels))
	for _, ev := range batch {
		perLevel[ev.Level]++
		s.metrics.RecordEvent(ev.Level.String(), metrics.OutcomeReceived)
		s.logger.Debug("event",
			zap.Stringer("level", ev.Level),
			zap.String("name", ev.Name),
			zap.String("msg", ev.Message),
			zap.String("trace_id", ev.TraceID),
			zap.String("session_id", ev.SessionID),
		)
	}
	for lvl, n := range perLevel {
		s.http.RecordReceived(ctx, lvl.String(), n)
	}

	s.logger.Info("received batch",
		zap.Int("events", len(batch)),
		zap.Stringer("highest_level", event.HighestLevel(batch)),
		zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
	)

	if s.forward != nil && len(batch) > 0 {
		if err := s.forward.Send(ctx, batch); err != nil {
			s.logger.Warn("forwarding batch failed",
				zap.String("sink", sink.NameOf(s.forward)),
				zap.Int("events", len(batch)),
				zap.Error(err),
			)
		}
	}

	return c.JSON(http.StatusAccepted, IngestResponse{Accepted: len(batch)})
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Stats returns the server's tallies.
func (s *Server) Stats() *Stats {
	return s.stats
}

// Addr returns the listening address once Start has bound it, or nil.
func (s *Server) Addr() net.Addr {
	return s.echo.ListenerAddr()
}

// Start serves until ctx is cancelled, then shuts down gracefully within
// the configured timeout. It returns http.ErrServerClosed after a clean
// shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	s.logger.Info("starting collector", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout.Duration())
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down collector")
	return s.echo.Shutdown(ctx)
}
