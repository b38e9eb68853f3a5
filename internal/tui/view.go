package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main dashboard.
func (m Model) renderSummaryView() string {
	var sections []string

	sections = append(sections, m.renderHeader())

	if m.snap == nil {
		sections = append(sections, boxStyle.Width(m.width-2).Render(
			statusInfo.Render("Waiting for the supervisor...")))
	} else {
		sections = append(sections, m.renderThermal())
		sections = append(sections, m.renderSystem())
		sections = append(sections, m.renderProcesses())
		sections = append(sections, m.renderLink())
	}

	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderDetailedView adds the full counters.
func (m Model) renderDetailedView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderLinkDetail())
	sections = append(sections, m.renderStatusReporter())
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	power := "-"
	link := GetLinkLabel(false, false)
	if m.snap != nil {
		power = m.snap.PowerState.String()
		link = GetLinkLabel(m.snap.LinkConnected, m.snap.LinkHealthy)
	}

	header := fmt.Sprintf(
		" payload-supervisor │ %s │ %s │ Power: %s │ Up: %s ",
		GetStateLabel(m.State()),
		link,
		power,
		formatDuration(m.Uptime()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Thermal
// =============================================================================

func (m Model) renderThermal() string {
	s := m.snap
	temp := s.Metrics.TemperatureC

	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}

	tempStyle := GetTemperatureStyle(temp, s.Thresholds)
	rows := []string{
		RenderProgressBar(m.ThermalLoad(), barWidth),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Temperature:"),
			tempStyle.Render(formatTemp(temp)),
			mutedStyle.Render(fmt.Sprintf("  (p50 %s, max %s over 5m)", formatTemp(s.TemperatureP50), formatTemp(s.TemperatureMax))),
		),
		RenderKeyValue("Limits", fmt.Sprintf("throttle %s, shutdown %s", formatTemp(s.Thresholds.Throttle), formatTemp(s.Thresholds.Shutdown))),
	}

	causes := mutedStyle.Render("none")
	if s.Causes != 0 {
		causes = valueWarnStyle.Render(s.Causes.String())
	}
	rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render("Throttle causes:"), causes))

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Thermal")}, rows...)...,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// System
// =============================================================================

func (m Model) renderSystem() string {
	sm := m.snap.Metrics

	left := []string{
		RenderKeyValue("CPU", formatPercent(sm.CPUPercent)),
		RenderKeyValue("Memory", formatPercent(sm.MemoryPercent)),
	}
	right := []string{
		RenderKeyValue("GPU", formatPercent(sm.GPUUtilization)),
		RenderKeyValue("Power", formatWatts(sm.PowerDrawW)),
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("System"),
		renderTwoColumns(left, right),
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Processes
// =============================================================================

func (m Model) renderProcesses() string {
	header := tableHeaderStyle.Render(fmt.Sprintf("%-20s %-10s %8s %10s %6s", "NAME", "STATUS", "PID", "RESTARTS", "EXIT"))
	rows := []string{header}

	if len(m.snap.Processes) == 0 {
		rows = append(rows, dimStyle.Render("no managed processes"))
	}

	for i, p := range m.snap.Processes {
		var status string
		switch {
		case p.Running:
			status = statusOK.Render(fmt.Sprintf("%-10s", "running"))
		case p.Exhausted:
			status = statusError.Render(fmt.Sprintf("%-10s", "exhausted"))
		default:
			status = statusWarning.Render(fmt.Sprintf("%-10s", "stopped"))
		}

		pid := "-"
		if p.Running {
			pid = fmt.Sprintf("%d", p.PID)
		}
		exit := "-"
		if p.HasExited {
			exit = fmt.Sprintf("%d", p.LastExitCode)
		}

		style := tableRowEvenStyle
		if i%2 == 1 {
			style = tableRowOddStyle
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
			style.Render(fmt.Sprintf("%-20s ", truncate(p.Name, 20))),
			status,
			style.Render(fmt.Sprintf(" %8s %10s %6s", pid, fmt.Sprintf("%d/%d", p.Restarts, p.MaxRestarts), exit)),
		))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Processes")}, rows...)...,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Health Link
// =============================================================================

func (m Model) renderLink() string {
	st := m.snap.Link

	errStyle := valueGoodStyle
	if st.RxErrors > 0 || st.CRCErrors > 0 {
		errStyle = valueWarnStyle
	}

	left := []string{
		RenderKeyValue("Received", formatNumber(st.RxCount)),
		RenderKeyValue("Sent", formatNumber(st.TxCount)),
	}
	right := []string{
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Errors:"),
			errStyle.Render(fmt.Sprintf("%s (crc %s)", formatNumber(st.RxErrors), formatNumber(st.CRCErrors))),
		),
		RenderKeyValue("Disconnects", formatNumber(st.Disconnects)),
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Health Link "+dimStyle.Render(m.serialPort)),
		renderTwoColumns(left, right),
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

func (m Model) renderLinkDetail() string {
	st := m.snap.Link
	rows := []string{
		RenderKeyValue("Messages received", formatNumber(st.RxCount)),
		RenderKeyValue("Decode errors", formatNumber(st.RxErrors)),
		RenderKeyValue("CRC errors", formatNumber(st.CRCErrors)),
		RenderKeyValue("Framing errors", formatNumber(st.FramingErrors)),
		RenderKeyValue("Dropped events", formatNumber(st.DroppedEvents)),
		RenderKeyValue("Responses sent", formatNumber(st.TxCount)),
		RenderKeyValue("Send errors", formatNumber(st.TxErrors)),
		RenderKeyValue("Connect attempts", formatNumber(st.ConnectAttempts)),
		RenderKeyValue("Connect failures", formatNumber(st.ConnectFailures)),
		RenderKeyValue("Disconnects", formatNumber(st.Disconnects)),
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Health Link Counters")}, rows...)...,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

func (m Model) renderStatusReporter() string {
	st := m.snap.Status

	failStyle := valueGoodStyle
	if st.Failed > 0 {
		failStyle = valueBadStyle
	}

	rows := []string{
		RenderKeyValue("Interval", m.snap.StatusInterval.String()),
		RenderKeyValue("Reports sent", formatNumber(st.Sent)),
		lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render("Send failures:"), failStyle.Render(formatNumber(st.Failed))),
		RenderKeyValue("Skipped (no link)", formatNumber(st.Skipped)),
		RenderKeyValue("Boot ID", m.snap.BootID),
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Status Reports")}, rows...)...,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: quit",
		"d: toggle details",
		"r: refresh",
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	right := ""
	if m.metricsAddr != "" {
		right = dimStyle.Render("Metrics: http://" + m.metricsAddr + "/metrics")
	}

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}

// =============================================================================
// Layout Helpers
// =============================================================================

// renderTwoColumns renders two columns side-by-side with a separator.
func renderTwoColumns(left, right []string) string {
	leftContent := lipgloss.JoinVertical(lipgloss.Left, left...)
	rightContent := lipgloss.JoinVertical(lipgloss.Left, right...)

	separator := mutedStyle.Render(" │ ")
	return lipgloss.JoinHorizontal(lipgloss.Top, leftContent, separator, rightContent)
}

// truncate shortens s to at most n runes, marking the cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
