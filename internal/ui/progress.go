package ui

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/rileyhilliard/fleet/internal/transfer"
)

const (
	barFilled = '█'
	barEmpty  = '░'
)

// UsageBar renders a percentage as [████░░░░]  67% colored by threshold.
// percent is clamped to 0-100.
func UsageBar(percent float64, width int) string {
	if width <= 0 {
		return ""
	}
	percent = math.Max(0, math.Min(100, percent))

	filled := int((percent / 100.0) * float64(width))
	bar := "[" + strings.Repeat(string(barFilled), filled) + strings.Repeat(string(barEmpty), width-filled) + "]"
	return lipgloss.NewStyle().Foreground(ThresholdColor(percent)).Render(bar) + fmt.Sprintf(" %3.0f%%", percent)
}

// TransferBar renders one transfer's progress line. An unknown total shows
// the transferred amount only.
type TransferBar struct {
	bar progress.Model
}

// NewTransferBar creates a bar of the given width.
func NewTransferBar(width int) *TransferBar {
	p := progress.New(progress.WithWidth(width), progress.WithoutPercentage())
	p.FullColor = string(ColorSuccess)
	p.EmptyColor = string(ColorMuted)
	return &TransferBar{bar: p}
}

// Render formats v as "<bar> 42% 12.50/30.00 MB 1.2 MB/s ETA 15s".
func (t *TransferBar) Render(v transfer.View) string {
	var sb strings.Builder
	if v.Percentage != nil {
		sb.WriteString(t.bar.ViewAs(*v.Percentage / 100))
		sb.WriteString(fmt.Sprintf(" %3.0f%% ", *v.Percentage))
	}
	sb.WriteString(FormatMB(v.TransferredMB))
	if v.TotalMB != nil {
		sb.WriteString("/" + FormatMB(*v.TotalMB))
	}
	sb.WriteString(" MB")
	if v.BytesPerSecond > 0 {
		sb.WriteString(" " + FormatRate(v.BytesPerSecond))
	}
	if v.ETASeconds != nil {
		sb.WriteString(" ETA " + FormatETA(*v.ETASeconds))
	}
	return sb.String()
}

// FormatMB prints a MiB amount with two decimals.
func FormatMB(mb float64) string {
	return fmt.Sprintf("%.2f", mb)
}

// FormatRate prints bytes per second with a binary unit.
func FormatRate(bps float64) string {
	return FormatBytes(int64(bps)) + "/s"
}

// FormatBytes prints a byte count with a binary unit (B, KB, MB, GB, TB).
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 3; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGT"[exp])
}

// FormatETA prints whole seconds as 45s, 3m05s or 2h04m.
func FormatETA(secs int64) string {
	d := time.Duration(secs) * time.Second
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", secs)
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh%02dm", secs/3600, (secs%3600)/60)
	}
}

// FormatUptime prints seconds as "12d 4h 5m", dropping leading zero units.
func FormatUptime(secs int64) string {
	if secs <= 0 {
		return "-"
	}
	days, hours, mins := secs/86400, (secs%86400)/3600, (secs%3600)/60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, mins)
	default:
		return fmt.Sprintf("%dm", mins)
	}
}
