package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Telemetry owns the tracer and meter providers used by the queue, the
// pipeline and the collector.
//
// A provider that fails to start never fails New. The instance is marked
// degraded and that signal falls back to the global provider, which is a
// no-op unless something else installed one.
type Telemetry struct {
	config *Config

	tracerProvider *trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logProvider    log.LoggerProvider

	// stages run in start order on flush and shutdown.
	stages []stage

	healthy  atomic.Bool
	degraded atomic.Bool
}

// stage is one started provider.
type stage struct {
	name     string
	flush    func(context.Context) error
	shutdown func(context.Context) error
}

// New validates cfg and starts the providers when telemetry is enabled.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Telemetry, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	t := &Telemetry{config: cfg}
	t.healthy.Store(true)
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)

	tp, err := newTracerProvider(ctx, cfg, res, o)
	if err != nil {
		t.setDegraded(o, fmt.Errorf("trace provider: %w", err))
	} else {
		t.tracerProvider = tp
		t.stages = append(t.stages, stage{name: "trace", flush: tp.ForceFlush, shutdown: tp.Shutdown})
		otel.SetTracerProvider(tp)
	}

	mp, err := newMeterProvider(ctx, cfg, res, o)
	if err != nil {
		t.setDegraded(o, fmt.Errorf("meter provider: %w", err))
	} else {
		t.meterProvider = mp
		t.stages = append(t.stages, stage{name: "meter", flush: mp.ForceFlush, shutdown: mp.Shutdown})
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// Tracer returns a tracer scoped to name.
func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t != nil && t.tracerProvider != nil {
		return t.tracerProvider.Tracer(name, opts...)
	}
	return otel.GetTracerProvider().Tracer(name, opts...)
}

// Meter returns a meter scoped to name.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t != nil && t.meterProvider != nil {
		return t.meterProvider.Meter(name, opts...)
	}
	return otel.GetMeterProvider().Meter(name, opts...)
}

// LoggerProvider returns the provider used by the log bridge and the OTel
// sink. It falls back to the global provider.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t != nil && t.logProvider != nil {
		return t.logProvider
	}
	return global.GetLoggerProvider()
}

// SetLoggerProvider overrides the log provider.
func (t *Telemetry) SetLoggerProvider(lp log.LoggerProvider) {
	if t != nil {
		t.logProvider = lp
	}
}

// each runs fn over every started stage and joins the failures.
func (t *Telemetry) each(ctx context.Context, verb string, fn func(stage) func(context.Context) error) error {
	var errs []error
	for _, s := range t.stages {
		if err := fn(s)(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s provider %s: %w", s.name, verb, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown flushes and stops the providers. Without a deadline on ctx the
// configured shutdown timeout applies.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.config != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.ShutdownAfter.Duration())
		defer cancel()
	}
	defer t.healthy.Store(false)
	return t.each(ctx, "shutdown", func(s stage) func(context.Context) error { return s.shutdown })
}

// ForceFlush exports everything pending.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.each(ctx, "flush", func(s stage) func(context.Context) error { return s.flush })
}

// HealthStatus reports provider state.
type HealthStatus struct {
	Healthy  bool
	Degraded bool
}

// Health returns the current status. A nil Telemetry is degraded.
func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{Degraded: true}
	}
	return HealthStatus{Healthy: t.healthy.Load(), Degraded: t.degraded.Load()}
}

// IsEnabled reports whether telemetry is enabled and not shut down.
func (t *Telemetry) IsEnabled() bool {
	return t != nil && t.config != nil && t.config.Enabled && t.healthy.Load()
}

func (t *Telemetry) setDegraded(o *options, err error) {
	t.degraded.Store(true)
	if o.onDegraded != nil {
		o.onDegraded(err)
	}
}
