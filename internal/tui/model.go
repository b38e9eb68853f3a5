package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/smartqso/payload-supervisor/internal/supervisor"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// SnapshotMsg carries an updated supervisor snapshot.
type SnapshotMsg struct {
	Snapshot supervisor.Snapshot
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// Source provides supervisor snapshots.
type Source interface {
	Snapshot() supervisor.Snapshot
}

// Model represents the TUI state.
type Model struct {
	// Configuration
	serialPort  string
	metricsAddr string

	// Current state
	snap         *supervisor.Snapshot
	lastUpdate   time.Time
	detailedView bool

	// Display options
	width  int
	height int

	source Source

	quitting bool
}

// Config holds TUI configuration.
type Config struct {
	SerialPort  string
	MetricsAddr string
	Source      Source
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		serialPort:  cfg.SerialPort,
		metricsAddr: cfg.MetricsAddr,
		source:      cfg.Source,
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "d":
			m.detailedView = !m.detailedView
			return m, nil
		case "r":
			return m, tickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		if m.source != nil {
			snap := m.source.Snapshot()
			m.snap = &snap
		}
		m.lastUpdate = time.Now()
		return m, tickCmd()

	case SnapshotMsg:
		snap := msg.Snapshot
		m.snap = &snap
		m.lastUpdate = time.Now()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.detailedView && m.snap != nil {
		return m.renderDetailedView()
	}
	return m.renderSummaryView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// State returns the last seen supervisor state.
func (m Model) State() supervisor.State {
	if m.snap == nil {
		return supervisor.StateInit
	}
	return m.snap.State
}

// Uptime returns the time since the supervisor started, zero before.
func (m Model) Uptime() time.Duration {
	if m.snap == nil || m.snap.StartedAt.IsZero() {
		return 0
	}
	return time.Since(m.snap.StartedAt)
}

// ThermalLoad returns temperature as a fraction of the shutdown limit.
func (m Model) ThermalLoad() float64 {
	if m.snap == nil || m.snap.Thresholds.Shutdown <= 0 {
		return 0
	}
	return m.snap.Metrics.TemperatureC / m.snap.Thresholds.Shutdown
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendSnapshot pushes a snapshot to the TUI.
func SendSnapshot(p *tea.Program, snap supervisor.Snapshot) {
	if p != nil {
		p.Send(SnapshotMsg{Snapshot: snap})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatNumber formats a number with K/M suffixes.
func formatNumber(n uint64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// formatPercent formats a value already in percent.
func formatPercent(value float64) string {
	return fmt.Sprintf("%.1f%%", value)
}

func formatTemp(c float64) string {
	return fmt.Sprintf("%.1f°C", c)
}

func formatWatts(w float64) string {
	return fmt.Sprintf("%.2f W", w)
}
