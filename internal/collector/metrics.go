package collector

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/traceway/internal/collector"

// HTTPMetrics holds the collector's request instruments.
type HTTPMetrics struct {
	meter          metric.Meter
	logger         *zap.Logger
	requestsTotal  metric.Int64Counter
	requestDur     metric.Float64Histogram
	activeRequests metric.Int64UpDownCounter
	eventsReceived metric.Int64Counter
}

// NewHTTPMetrics creates the instruments on meter. A nil meter uses the
// global provider.
func NewHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &HTTPMetrics{meter: meter, logger: logger}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	var err error

	m.requestsTotal, err = m.meter.Int64Counter(
		"traceway.collector.requests_total",
		metric.WithDescription("Collector requests by method, route and status."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create requests counter", zap.Error(err))
	}

	m.requestDur, err = m.meter.Float64Histogram(
		"traceway.collector.request_duration_seconds",
		metric.WithDescription("Collector request duration in seconds."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.activeRequests, err = m.meter.Int64UpDownCounter(
		"traceway.collector.active_requests",
		metric.WithDescription("Requests currently being served."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create active requests gauge", zap.Error(err))
	}

	m.eventsReceived, err = m.meter.Int64Counter(
		"traceway.collector.events_received",
		metric.WithDescription("Events accepted by the ingest endpoint, by level."),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		m.logger.Warn("failed to create events counter", zap.Error(err))
	}
}

// RecordReceived counts n accepted events at level.
func (m *HTTPMetrics) RecordReceived(ctx context.Context, level string, n int) {
	if m == nil || m.eventsReceived == nil || n == 0 {
		return
	}
	m.eventsReceived.Add(ctx, int64(n), metric.WithAttributes(attribute.String("level", level)))
}

// Middleware records request count, latency and concurrency.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()

			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, 1)
				defer m.activeRequests.Add(ctx, -1)
			}

			err := next(c)
			if err != nil {
				// Let echo write the error response so the status is final.
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "/"
			}
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route),
				attribute.Int("status", c.Response().Status),
			)
			if m.requestsTotal != nil {
				m.requestsTotal.Add(ctx, 1, attrs)
			}
			if m.requestDur != nil {
				m.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return nil
		}
	}
}
