// Package tui provides a live terminal dashboard for bench runs of the
// payload supervisor.
//
// The TUI uses Bubble Tea for the application framework and Lipgloss for
// styling. It shows the supervisor state, temperature against the thermal
// limits, system load, the managed processes and Health Link counters.
package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/smartqso/payload-supervisor/internal/supervisor"
	"github.com/smartqso/payload-supervisor/internal/thermal"
)

// =============================================================================
// Color Palette
// =============================================================================

var (
	colorPrimary   = lipgloss.Color("#1E3A8A") // deep orbit blue
	colorSecondary = lipgloss.Color("#38BDF8") // sky

	colorSuccess = lipgloss.Color("#22C55E")
	colorWarning = lipgloss.Color("#FBBF24")
	colorError   = lipgloss.Color("#F43F5E")
	colorInfo    = lipgloss.Color("#60A5FA")

	colorText      = lipgloss.Color("#F1F5F9")
	colorTextMuted = lipgloss.Color("#94A3B8")
	colorTextDim   = lipgloss.Color("#64748B")
	colorBorder    = lipgloss.Color("#334155")
)

// =============================================================================
// Base Styles
// =============================================================================

var (
	mutedStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorTextDim)
)

// =============================================================================
// Status Indicator Styles
// =============================================================================

var (
	statusOK = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	statusWarning = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	statusError = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	statusInfo = lipgloss.NewStyle().
			Foreground(colorInfo).
			Bold(true)
)

// =============================================================================
// Layout Styles
// =============================================================================

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Background(colorPrimary).
			Bold(true).
			Padding(0, 1).
			MarginBottom(1)

	sectionHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(colorBorder).
				MarginTop(1)

	footerStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			MarginTop(1)
)

// =============================================================================
// Value Styles
// =============================================================================

var (
	valueStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Bold(true)

	valueGoodStyle = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	valueBadStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	valueWarnStyle = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			Width(20)
)

// =============================================================================
// Progress Bar Styles
// =============================================================================

var (
	progressBarStyle = lipgloss.NewStyle().
				Foreground(colorPrimary)

	progressBarEmptyStyle = lipgloss.NewStyle().
				Foreground(colorBorder)

	progressPercentStyle = lipgloss.NewStyle().
				Foreground(colorText).
				Bold(true)
)

// =============================================================================
// Table Styles
// =============================================================================

var (
	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true)

	tableRowEvenStyle = lipgloss.NewStyle().
				Foreground(colorText)

	tableRowOddStyle = lipgloss.NewStyle().
				Foreground(colorTextMuted)
)

// =============================================================================
// State Indicator
// =============================================================================

// GetStateStyle returns the style for a supervisor state.
func GetStateStyle(s supervisor.State) lipgloss.Style {
	switch s {
	case supervisor.StateRunning:
		return statusOK
	case supervisor.StateThrottling:
		return statusWarning
	case supervisor.StateShuttingDown, supervisor.StateStopped:
		return statusError
	default:
		return statusInfo
	}
}

// GetStateLabel returns a styled state label.
func GetStateLabel(s supervisor.State) string {
	return GetStateStyle(s).Render("● " + s.String())
}

// =============================================================================
// Temperature Indicator
// =============================================================================

// GetTemperatureStyle returns a style for temp relative to the limits.
func GetTemperatureStyle(temp float64, t thermal.Thresholds) lipgloss.Style {
	switch {
	case t.Shutdown > 0 && temp >= t.Shutdown:
		return valueBadStyle
	case t.Throttle > 0 && temp >= t.Throttle:
		return valueWarnStyle
	default:
		return valueGoodStyle
	}
}

// =============================================================================
// Link Indicator
// =============================================================================

// GetLinkLabel returns a styled Health Link status.
func GetLinkLabel(connected, healthy bool) string {
	switch {
	case connected && healthy:
		return statusOK.Render("● Link")
	case connected:
		return statusWarning.Render("● Link (no heartbeat)")
	default:
		return statusError.Render("● Link (down)")
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// RenderKeyValue renders a label-value pair.
func RenderKeyValue(label string, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		valueStyle.Render(value),
	)
}

// RenderProgressBar renders a progress bar.
func RenderProgressBar(progress float64, width int) string {
	if width < 10 {
		width = 10
	}

	filled := int(progress * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	bar := progressBarStyle.Render(repeatChar('█', filled)) +
		progressBarEmptyStyle.Render(repeatChar('░', width-filled))

	percent := progressPercentStyle.Render(fmt.Sprintf(" %3.0f%%", progress*100))

	return bar + percent
}

func repeatChar(char rune, count int) string {
	if count <= 0 {
		return ""
	}
	result := make([]rune, count)
	for i := range result {
		result[i] = char
	}
	return string(result)
}
