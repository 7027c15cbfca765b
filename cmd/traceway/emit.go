package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/traceway/internal/config"
	"github.com/fyrsmithlabs/traceway/internal/sink"
	"github.com/fyrsmithlabs/traceway/internal/sink/memory"
	"github.com/fyrsmithlabs/traceway/pkg/traceway"
)

type emitFlags struct {
	level   string
	data    []string
	userID  string
	dryRun  bool
	timeout time.Duration
}

func newEmitCmd() *cobra.Command {
	var f emitFlags
	cmd := &cobra.Command{
		Use:   "emit <name> [message]",
		Short: "Send one event through the configured sinks",
		Long: `Send one event through the full pipeline: level filter, sampling,
enrichment, redaction and delivery to every enabled sink.

Examples:
  # Report an error with structured data
  traceway emit payment_failed "card declined" --level error --data order=o-42 --data amount=19.99

  # Print the enriched, redacted event instead of delivering it
  traceway emit signup --data email=jane@example.com --dry-run`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEmit(cmd, args, f)
		},
	}
	cmd.Flags().StringVarP(&f.level, "level", "l", "info", "event level: debug, info, warn or error")
	cmd.Flags().StringArrayVarP(&f.data, "data", "d", nil, "data field as key=value (repeatable)")
	cmd.Flags().StringVar(&f.userID, "user", "", "user id attached to the event")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "print the event as JSON instead of delivering it")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "time allowed for delivery")
	return cmd
}

func runEmit(cmd *cobra.Command, args []string, f emitFlags) error {
	level, err := traceway.ParseLevel(f.level)
	if err != nil {
		return err
	}
	data, err := parseData(f.data)
	if err != nil {
		return err
	}
	var msg string
	if len(args) > 1 {
		msg = args[1]
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	var mem *memory.Sink
	if f.dryRun {
		a.cfg.Sinks = config.SinksConfig{}
	}
	opts, err := traceway.OptionsFromConfig(a.cfg, a.deps())
	if err != nil {
		return err
	}
	if f.dryRun {
		mem = memory.New()
		opts.Sinks = []traceway.Sink{mem}
	}

	l := traceway.New(opts)
	if f.userID != "" {
		l.SetUser(traceway.User{"id": f.userID})
	}
	res := l.Log(level, args[0], msg, data)
	if err := l.Destroy(ctx); err != nil {
		return fmt.Errorf("delivering event: %w", err)
	}
	if !res.Delivered {
		fmt.Fprintf(cmd.ErrOrStderr(), "event dropped: %s\n", res.Reason)
		return nil
	}

	if mem != nil {
		out, err := sink.Encode(mem.Events())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	}
	return nil
}

// parseData turns key=value pairs into event data. Values that parse as
// JSON scalars (numbers, booleans, null) keep their type.
func parseData(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	data := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --data %q: want key=value", p)
		}
		data[k] = scalar(v)
	}
	return data, nil
}

func scalar(v string) any {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	var x any
	if err := json.Unmarshal([]byte(v), &x); err == nil {
		switch x.(type) {
		case float64, bool, nil:
			return x
		}
	}
	return v
}
