package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/rileyhilliard/fleet/internal/model"
)

// Semantic colors.
const (
	ColorSuccess lipgloss.Color = "2" // Green
	ColorError   lipgloss.Color = "1" // Red
	ColorWarning lipgloss.Color = "3" // Yellow
	ColorInfo    lipgloss.Color = "6" // Cyan
)

// Text colors.
const (
	ColorPrimary   lipgloss.Color = "7" // White/default
	ColorSecondary lipgloss.Color = "4" // Blue
	ColorMuted     lipgloss.Color = "8" // Gray (bright black)
)

// Status symbols.
const (
	SymbolSuccess  = "✓"
	SymbolFail     = "✗"
	SymbolPending  = "○"
	SymbolProgress = "◐"
	SymbolComplete = "●"
	SymbolSkipped  = "⊘"
)

// DisableColors switches every style to plain text.
func DisableColors() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// ThresholdColor maps a usage percentage to green, yellow (>= 60) or
// red (>= 80).
func ThresholdColor(percent float64) lipgloss.Color {
	switch {
	case percent >= 80:
		return ColorError
	case percent >= 60:
		return ColorWarning
	default:
		return ColorSuccess
	}
}

// HostStatus renders a colored symbol followed by the status name.
func HostStatus(status model.HostStatus) string {
	switch status {
	case model.HostOnline:
		return lipgloss.NewStyle().Foreground(ColorSuccess).Render(SymbolComplete) + " online"
	case model.HostOffline:
		return lipgloss.NewStyle().Foreground(ColorError).Render(SymbolFail) + " offline"
	default:
		return lipgloss.NewStyle().Foreground(ColorMuted).Render(SymbolPending) + " unknown"
	}
}

// TransferStatus renders a colored symbol followed by the status name.
func TransferStatus(status model.TransferStatus) string {
	var sym string
	var color lipgloss.Color
	switch status {
	case model.TransferComplete:
		sym, color = SymbolSuccess, ColorSuccess
	case model.TransferFailed:
		sym, color = SymbolFail, ColorError
	case model.TransferInFlight:
		sym, color = SymbolProgress, ColorSecondary
	default:
		sym, color = SymbolPending, ColorMuted
	}
	return lipgloss.NewStyle().Foreground(color).Render(sym) + " " + string(status)
}

// Success, Failure and Muted style one line of CLI output.
func Success(msg string) string {
	return lipgloss.NewStyle().Foreground(ColorSuccess).Render(SymbolSuccess) + " " + msg
}

func Failure(msg string) string {
	return lipgloss.NewStyle().Foreground(ColorError).Render(SymbolFail) + " " + msg
}

func Muted(msg string) string {
	return lipgloss.NewStyle().Foreground(ColorMuted).Render(msg)
}
