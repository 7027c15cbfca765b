package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/traceway/internal/event"
	"github.com/fyrsmithlabs/traceway/internal/monitor"
	"github.com/fyrsmithlabs/traceway/internal/sink"
	"github.com/fyrsmithlabs/traceway/internal/sink/natssink"
)

type tailFlags struct {
	url    string
	prefix string
	level  string
	json   bool
}

var (
	tailTimeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	tailNameStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("231")).Bold(true)
	tailKeyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
)

func newTailCmd() *cobra.Command {
	var f tailFlags
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow events published on NATS",
		Long: `Subscribe to the NATS subjects written by the nats sink (or by a
collector started with --forward-nats) and print each event.

Examples:
  # Everything at warn or above
  traceway tail --level warn

  # Raw JSON lines, for piping into jq
  traceway tail --json | jq .name`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTail(ctx, cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.url, "nats", "", "NATS URL (overrides sinks.nats.url)")
	cmd.Flags().StringVar(&f.prefix, "prefix", "", "subject prefix (overrides sinks.nats.subject_prefix)")
	cmd.Flags().StringVarP(&f.level, "level", "l", "debug", "minimum level to print")
	cmd.Flags().BoolVar(&f.json, "json", false, "print one JSON event per line")
	return cmd
}

func runTail(ctx context.Context, cmd *cobra.Command, f tailFlags) error {
	minLevel, err := event.ParseLevel(f.level)
	if err != nil {
		return err
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	url, prefix := a.cfg.Sinks.NATS.URL, a.cfg.Sinks.NATS.SubjectPrefix
	if f.url != "" {
		url = f.url
	}
	if f.prefix != "" {
		prefix = f.prefix
	}

	nc, err := nats.Connect(url, nats.Name("traceway-tail"))
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	defer nc.Close()

	msgs := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(natssink.Wildcard(prefix), msgs)
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	return tail(ctx, msgs, cmd.OutOrStdout(), minLevel, f.json)
}

// tail prints events from msgs until ctx is done. Undecodable payloads are
// reported inline and skipped.
func tail(ctx context.Context, msgs <-chan *nats.Msg, out io.Writer, minLevel event.Level, asJSON bool) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			batch, err := sink.Decode(msg.Data)
			if err != nil {
				fmt.Fprintf(out, "skipping message on %s: %v\n", msg.Subject, err)
				continue
			}
			for _, ev := range batch {
				if ev.Level < minLevel {
					continue
				}
				if asJSON {
					line, err := json.Marshal(ev)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, string(line))
					continue
				}
				fmt.Fprintln(out, formatEvent(ev))
			}
		}
	}
}

// formatEvent renders one event as a colored line:
// 15:04:05.000 error payment_failed card declined order=o-42
func formatEvent(ev event.Event) string {
	var b strings.Builder
	b.WriteString(tailTimeStyle.Render(ev.Timestamp.Local().Format("15:04:05.000")))
	b.WriteByte(' ')
	b.WriteString(monitor.LevelStyle(ev.Level).Render(fmt.Sprintf("%-5s", ev.Level)))
	b.WriteByte(' ')
	b.WriteString(tailNameStyle.Render(ev.Name))
	if ev.Message != "" {
		b.WriteByte(' ')
		b.WriteString(ev.Message)
	}

	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(tailKeyStyle.Render(k + "="))
		fmt.Fprint(&b, ev.Data[k])
	}
	return b.String()
}
