package monitor

import (
	"fmt"
	"time"
)

// FormatRate formats an event rate as "X.X ev/s".
func FormatRate(perSecond float64) string {
	return fmt.Sprintf("%.1f ev/s", perSecond)
}

// FormatPercentage formats a ratio (0-1) as a percentage.
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatCount abbreviates large counters: 999, 1.2K, 3.4M.
func FormatCount(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

// FormatUptime formats uptime in seconds as "Xh Ym" or "Xm Ys".
func FormatUptime(seconds float64) string {
	total := int64(seconds)
	hours := total / 3600
	minutes := (total % 3600) / 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm %ds", minutes, total%60)
}

// FormatAge formats how long ago t was relative to now.
func FormatAge(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < 0:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
