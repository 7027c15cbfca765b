package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/traceway/internal/monitor"
)

func newMonitorCmd() *cobra.Command {
	var (
		collectorURL string
		interval     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Live dashboard for a running collector",
		Long: `Poll a collector's /api/v1/stats endpoint and show throughput, level
distribution, error share and the most recent events.

Keys: q quit, r refresh.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			p := tea.NewProgram(monitor.NewModel(collectorURL, interval), tea.WithContext(cmd.Context()))
			_, err := p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&collectorURL, "collector", "http://localhost:8787", "collector base URL")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	return cmd
}
