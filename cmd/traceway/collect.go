package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/traceway/internal/collector"
	"github.com/fyrsmithlabs/traceway/internal/sink/natssink"
)

type collectFlags struct {
	host        string
	port        int
	forwardNATS bool
}

func newCollectCmd() *cobra.Command {
	var f collectFlags
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run the event collector",
		Long: `Run the HTTP collector that receives event batches from the http sink.

Endpoints:
  POST /api/v1/events   ingest a JSON array of events
  GET  /api/v1/stats    per-level counters and recent events
  GET  /metrics         Prometheus metrics
  GET  /health          liveness

Examples:
  # Listen on the configured port
  traceway collect

  # Forward every accepted batch to NATS for "traceway tail"
  traceway collect --port 9000 --forward-nats`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCollect(ctx, cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.host, "host", "", "listen host (overrides collector.host)")
	cmd.Flags().IntVar(&f.port, "port", 0, "listen port (overrides collector.http_port)")
	cmd.Flags().BoolVar(&f.forwardNATS, "forward-nats", false, "publish accepted batches to sinks.nats")
	return cmd
}

func runCollect(ctx context.Context, cmd *cobra.Command, f collectFlags) error {
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()

	cfg := a.cfg.Collector
	if cmd.Flags().Changed("host") {
		cfg.Host = f.host
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = f.port
	}
	if f.forwardNATS {
		cfg.ForwardNATS = true
	}

	logger := a.logger.Underlying()
	opts := []collector.Option{
		collector.WithRegistry(a.registry),
		collector.WithMeter(a.telemetry.Meter("github.com/fyrsmithlabs/traceway/collector")),
	}
	if cfg.ForwardNATS {
		fwd, err := natssink.Dial(a.cfg.Sinks.NATS, logger)
		if err != nil {
			return fmt.Errorf("connecting forwarder: %w", err)
		}
		defer func() {
			if err := fwd.Close(); err != nil {
				logger.Warn("closing forwarder", zap.Error(err))
			}
		}()
		opts = append(opts, collector.WithForwarder(fwd))
		logger.Info("forwarding batches to NATS",
			zap.String("url", a.cfg.Sinks.NATS.URL),
			zap.String("subject", natssink.Wildcard(a.cfg.Sinks.NATS.SubjectPrefix)))
	}

	srv, err := collector.New(cfg, logger, opts...)
	if err != nil {
		return fmt.Errorf("creating collector: %w", err)
	}

	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("collector stopped")
	return nil
}
