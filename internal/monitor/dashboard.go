package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/traceway/internal/collector"
	"github.com/fyrsmithlabs/traceway/internal/event"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	recentRows      = 8
)

// Model is the BubbleTea dashboard for a running collector.
type Model struct {
	collectorURL string
	client       *StatsClient
	interval     time.Duration
	lastUpdate   time.Time
	stats        collector.StatsResponse
	err          error
	quitting     bool

	// Derived from consecutive snapshots.
	rate             float64
	errorRate        float64
	rateHistory      []float64
	errorRateHistory []float64

	levelProgress progress.Model
	errorProgress progress.Model
}

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// LevelStyle colors a level name the way the dashboard and tail output do.
func LevelStyle(l event.Level) lipgloss.Style {
	switch l {
	case event.LevelError:
		return errorStyle
	case event.LevelWarn:
		return warningStyle
	case event.LevelInfo:
		return healthyStyle
	default:
		return dimStyle
	}
}

// NewModel creates a dashboard polling the collector at collectorURL.
func NewModel(collectorURL string, interval time.Duration) Model {
	return Model{
		collectorURL: collectorURL,
		client:       NewStatsClient(collectorURL),
		interval:     interval,
		levelProgress: progress.New(
			progress.WithGradient("#00ffff", "#ff00ff"),
			progress.WithWidth(30),
		),
		errorProgress: progress.New(
			progress.WithGradient("#00ff00", "#ff0000"),
			progress.WithWidth(40),
		),
		rateHistory:      make([]float64, 0, historySize),
		errorRateHistory: make([]float64, 0, historySize),
	}
}

// errorShare is the fraction of received events at error level.
func errorShare(s collector.StatsResponse) float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Levels[event.LevelError.String()]) / float64(s.Total)
}

// getStatusBadge grades the collector by its error share.
func getStatusBadge(share float64) string {
	if share < 0.01 {
		return healthyStyle.Render("✓ HEALTHY")
	} else if share < 0.05 {
		return warningStyle.Render("⚠ WARN")
	}
	return errorStyle.Render("✗ ERRORS")
}

func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

type tickMsg time.Time

type statsMsg struct {
	stats collector.StatsResponse
	at    time.Time
}

type errMsg error

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchStats(m.client),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchStats(client *StatsClient) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		stats, err := client.Fetch(ctx)
		if err != nil {
			return errMsg(err)
		}
		return statsMsg{stats: stats, at: time.Now()}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchStats(m.client)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchStats(m.client),
		)

	case statsMsg:
		m = m.apply(msg)
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// apply folds a new snapshot in. Rates come from the counter deltas since
// the previous snapshot; a counter that went backwards means the collector
// restarted and the sample is skipped.
func (m Model) apply(msg statsMsg) Model {
	prev := m.stats
	if !m.lastUpdate.IsZero() && msg.stats.Total >= prev.Total {
		if elapsed := msg.at.Sub(m.lastUpdate).Seconds(); elapsed > 0 {
			errKey := event.LevelError.String()
			m.rate = float64(msg.stats.Total-prev.Total) / elapsed
			m.errorRate = float64(msg.stats.Levels[errKey]-prev.Levels[errKey]) / elapsed
			m.rateHistory = appendToHistory(m.rateHistory, m.rate)
			m.errorRateHistory = appendToHistory(m.errorRateHistory, m.errorRate)
		}
	}
	m.stats = msg.stats
	m.lastUpdate = msg.at
	m.err = nil
	return m
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" traceway Monitor ") + "\n\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach collector") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.collectorURL) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(dimStyle.Render("Start one with: traceway collect") + "\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry") + "\n")
	return containerStyle.Render(b.String())
}

func (m Model) renderDashboard() string {
	var b strings.Builder

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	share := errorShare(m.stats)

	b.WriteString(headerStyle.Render(" traceway Monitor ") + "\n")
	fmt.Fprintf(&b, "%s   %s   %s   %s\n",
		getStatusBadge(share),
		dimStyle.Render("Uptime:"),
		valueStyle.Render(FormatUptime(m.stats.UptimeSeconds)),
		dimStyle.Render(lastUpdateStr))

	b.WriteString("\n" + sectionStyle.Render("┃ Throughput") + "\n")
	b.WriteString(labelStyle.Render("  Rate: ") +
		valueStyle.Render(FormatRate(m.rate)) +
		"   " + createSparkline(m.rateHistory) + "\n")
	b.WriteString(labelStyle.Render("  Events: ") +
		valueStyle.Render(FormatCount(m.stats.Total)) +
		"  " + labelStyle.Render("Batches: ") +
		valueStyle.Render(FormatCount(m.stats.Batches)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Levels") + "\n")
	for _, lvl := range event.Levels {
		n := m.stats.Levels[lvl.String()]
		ratio := 0.0
		if m.stats.Total > 0 {
			ratio = float64(n) / float64(m.stats.Total)
		}
		fmt.Fprintf(&b, "  %s %s %s\n",
			LevelStyle(lvl).Render(fmt.Sprintf("%-5s", lvl)),
			m.levelProgress.ViewAs(ratio),
			dimStyle.Render(FormatCount(n)))
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Errors") + "\n")
	b.WriteString(labelStyle.Render("  Rate: ") +
		valueStyle.Render(FormatRate(m.errorRate)) +
		"   " + createSparkline(m.errorRateHistory) + "\n")
	b.WriteString(labelStyle.Render("  Share: ") +
		m.errorProgress.ViewAs(min(share, 1.0)) +
		" " + dimStyle.Render(FormatPercentage(share)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Recent Events") + "\n")
	if len(m.stats.Recent) == 0 {
		b.WriteString(dimStyle.Render("  none yet") + "\n")
	}
	now := m.lastUpdate
	if now.IsZero() {
		now = time.Now()
	}
	for i, ev := range m.stats.Recent {
		if i == recentRows {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  … %d more", len(m.stats.Recent)-recentRows)) + "\n")
			break
		}
		line := "  " + LevelStyle(ev.Level).Render(fmt.Sprintf("%-5s", ev.Level)) +
			" " + valueStyle.Render(ev.Name)
		if ev.Message != "" {
			line += " " + ev.Message
		}
		line += " " + dimStyle.Render(FormatAge(ev.Timestamp, now))
		b.WriteString(line + "\n")
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}
