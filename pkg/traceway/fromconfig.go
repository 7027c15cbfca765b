package traceway

import (
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/traceway/internal/config"
	"github.com/fyrsmithlabs/traceway/internal/metrics"
	"github.com/fyrsmithlabs/traceway/internal/redact"
	"github.com/fyrsmithlabs/traceway/internal/sink"
	"github.com/fyrsmithlabs/traceway/internal/sink/console"
	"github.com/fyrsmithlabs/traceway/internal/sink/httpsink"
	"github.com/fyrsmithlabs/traceway/internal/sink/influxsink"
	"github.com/fyrsmithlabs/traceway/internal/sink/mqttsink"
	"github.com/fyrsmithlabs/traceway/internal/sink/natssink"
	"github.com/fyrsmithlabs/traceway/internal/sink/otelsink"
)

// Deps carries the process-level collaborators used when building options
// from a configuration file.
type Deps struct {
	Logger         *zap.Logger
	LoggerProvider log.LoggerProvider
	Metrics        *metrics.Metrics
	Tracer         trace.Tracer
}

// OptionsFromConfig maps a loaded configuration onto Options and connects
// the enabled sinks. Redaction problems are logged and skipped; a sink that
// cannot be created is an error, and any sink already connected is closed.
func OptionsFromConfig(cfg *config.Config, deps Deps) (Options, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	diag := deps.Logger
	if diag == nil {
		diag = zap.NewNop()
	}

	ctx := cfg.Context()
	opts := Options{
		Level:           cfg.Pipeline.Level,
		SampleRate:      Rate(cfg.Pipeline.SampleRate),
		ErrorSampleRate: Rate(cfg.Pipeline.ErrorSampleRate),
		FlushInterval:   cfg.Queue.FlushInterval.Duration(),
		MaxBatchSize:    cfg.Queue.MaxBatchSize,
		MaxQueueSize:    cfg.Queue.MaxQueueSize,
		ErrorDebounce:   cfg.Queue.ErrorDebounce.Duration(),
		MaxBreadcrumbs:  cfg.Breadcrumbs.Max,
		App:             ctx.App,
		Env:             ctx.Env,
		Release:         ctx.Release,
		Logger:          diag,
		Metrics:         deps.Metrics,
		Tracer:          deps.Tracer,
	}

	opts.RedactKeys, opts.RedactPatterns = redactionRules(cfg.Redaction, diag)
	if cfg.Redaction.DetectSecrets {
		detector, err := redact.NewSecretDetector()
		if err != nil {
			diag.Warn("secret detection disabled", zap.Error(err))
		} else {
			opts.ValueMatchers = append(opts.ValueMatchers, detector)
		}
	}

	sinks, err := buildSinks(cfg.Sinks, deps, diag)
	if err != nil {
		return Options{}, err
	}
	opts.Sinks = sinks
	return opts, nil
}

// redactionRules combines the inline rules with the rules file. File rules
// extend the built-ins unless the inline config replaced them.
func redactionRules(c config.RedactionConfig, diag *zap.Logger) (keys, patterns []string) {
	rules := redact.Rules{Keys: c.Keys, Patterns: c.Patterns}
	if c.RulesFile == "" {
		return rules.Keys, rules.Patterns
	}
	fileRules, err := redact.LoadRules(c.RulesFile)
	switch {
	case os.IsNotExist(err):
		diag.Warn("redaction rules file not found", zap.String("path", c.RulesFile))
		return rules.Keys, rules.Patterns
	case err != nil:
		diag.Warn("ignoring redaction rules file", zap.String("path", c.RulesFile), zap.Error(err))
		return rules.Keys, rules.Patterns
	}
	if rules.Keys == nil {
		rules.Keys = redact.DefaultKeys
	}
	if rules.Patterns == nil {
		rules.Patterns = redact.DefaultPatterns
	}
	rules = rules.Merge(fileRules)
	return rules.Keys, rules.Patterns
}

func buildSinks(c config.SinksConfig, deps Deps, diag *zap.Logger) ([]Sink, error) {
	var (
		sinks []Sink
		errs  []error
	)
	add := func(name string, s Sink, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s sink: %w", name, err))
			return
		}
		sinks = append(sinks, s)
	}

	if c.Console.Enabled {
		sinks = append(sinks, console.New(nil))
	}
	if c.HTTP.Enabled {
		s, err := httpsink.New(httpsink.FromConfig(c.HTTP), httpsink.WithLogger(diag))
		add("http", s, err)
	}
	if c.NATS.Enabled {
		s, err := natssink.Dial(c.NATS, diag)
		add("nats", s, err)
	}
	if c.MQTT.Enabled {
		s, err := mqttsink.Dial(c.MQTT)
		add("mqtt", s, err)
	}
	if c.Influx.Enabled {
		s, err := influxsink.New(c.Influx)
		add("influx", s, err)
	}
	if c.OTel.Enabled {
		sinks = append(sinks, otelsink.New(deps.LoggerProvider))
	}

	if len(errs) > 0 {
		if err := sink.CloseAll(sinks); err != nil {
			errs = append(errs, err)
		}
		return nil, errors.Join(errs...)
	}
	return sinks, nil
}
