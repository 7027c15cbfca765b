// Traceway ships structured client events to pluggable sinks and runs the
// collector that receives them.
//
// Usage:
//
//	# Run the ingest server
//	traceway collect --port 8787
//
//	# Send one event through the configured sinks
//	traceway emit checkout_failed "card declined" --level error --data order=o-42
//
//	# Follow events published on NATS
//	traceway tail --level warn
//
//	# Watch a running collector
//	traceway monitor --collector http://localhost:8787
//
// Configuration is read from ~/.config/traceway/config.yaml and overridden
// by TRACEWAY_-prefixed environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/traceway/internal/config"
	"github.com/fyrsmithlabs/traceway/internal/logging"
	"github.com/fyrsmithlabs/traceway/internal/metrics"
	"github.com/fyrsmithlabs/traceway/internal/telemetry"
	"github.com/fyrsmithlabs/traceway/pkg/traceway"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the --config flag shared by every command.
var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "traceway",
		Short: "Structured client event logging",
		Long: `traceway filters, enriches, redacts and batches structured events and
delivers them to HTTP, NATS, MQTT, InfluxDB and OpenTelemetry sinks.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			traceway.Version = version
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/traceway/config.yaml)")

	root.AddCommand(
		newCollectCmd(),
		newEmitCmd(),
		newTailCmd(),
		newMonitorCmd(),
		newVersionCmd(),
	)
	return root
}

// app holds the process-wide collaborators every command builds from
// the loaded configuration.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
}

// setup loads configuration and starts diagnostics logging and telemetry.
// Invalid configuration values are replaced by defaults and logged.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	coerced := cfg.Normalize()

	var degraded []error
	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry, version),
		telemetry.WithDegradedHandler(func(err error) { degraded = append(degraded, err) }))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	logger, err := logging.NewLogger(logging.FromDiagnostics(cfg.Diagnostics), tel.LoggerProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	if len(coerced) > 0 {
		logger.Warn(ctx, "invalid config values replaced by defaults", zap.Strings("keys", coerced))
	}
	for _, err := range degraded {
		logger.Warn(ctx, "telemetry degraded", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	return &app{
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		registry:  reg,
		metrics:   metrics.New(reg),
	}, nil
}

// deps returns the collaborators handed to traceway.OptionsFromConfig.
func (a *app) deps() traceway.Deps {
	return traceway.Deps{
		Logger:         a.logger.Underlying(),
		LoggerProvider: a.telemetry.LoggerProvider(),
		Metrics:        a.metrics,
		Tracer:         a.telemetry.Tracer("github.com/fyrsmithlabs/traceway"),
	}
}

// Close flushes telemetry and the diagnostics logger.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	if err := a.logger.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("logger sync: %w", err))
	}
	return errors.Join(errs...)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "traceway by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
