// Package status renders the run status bar: run state, session counts and
// harness resource usage.
package status

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/whep-bench/whepbench/internal/session"
	"github.com/whep-bench/whepbench/internal/sysmon"
	"github.com/whep-bench/whepbench/internal/tui/theme"
)

// RunState is where the benchmark run as a whole stands.
type RunState int

const (
	Ramping RunState = iota
	Holding
	Done
	Aborted
)

func (r RunState) String() string {
	switch r {
	case Ramping:
		return "ramping"
	case Holding:
		return "holding"
	case Done:
		return "done"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Model holds the status bar state.
type Model struct {
	Target   string
	Planned  int
	Run      RunState
	Since    time.Time
	Ended    time.Time
	Counts   map[session.State]int
	Launched int
	Active   int
	Ramp     time.Duration
	Harness  sysmon.Sample
	Width    int
}

// New creates a status bar model.
func New(target string, planned int, started time.Time) Model {
	return Model{
		Target:  target,
		Planned: planned,
		Since:   started,
		Counts:  make(map[session.State]int),
	}
}

// SetCounts replaces the per-state counts and advances the run state from
// ramping to holding once every planned session has started.
func (m *Model) SetCounts(counts map[session.State]int) {
	m.Counts = counts
	total := 0
	for _, n := range counts {
		total += n
	}
	m.Launched = total
	if m.Run == Ramping && total >= m.Planned {
		m.Run = Holding
	}
}

// Finish marks the run over.
func (m *Model) Finish(at time.Time, err error) {
	m.Ended = at
	m.Run = Done
	if err != nil {
		m.Run = Aborted
	}
}

func (m Model) elapsed(now time.Time) time.Duration {
	if !m.Ended.IsZero() {
		now = m.Ended
	}
	return now.Sub(m.Since).Truncate(time.Second)
}

// View renders the status bar.
func (m Model) View(now time.Time) string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var runStr string
	switch m.Run {
	case Done:
		runStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("✓ " + m.Run.String())
	case Aborted:
		runStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("✗ " + m.Run.String())
	default:
		runStr = lipgloss.NewStyle().Foreground(theme.ColorWarning).Render("● " + m.Run.String())
	}

	progress := fmt.Sprintf("%d/%d started  %d active  %s", m.Launched, m.Planned, m.Active, m.elapsed(now))
	if m.Run == Ramping && m.Ramp > 0 {
		progress += fmt.Sprintf(" of %s ramp", m.Ramp)
	}
	counts := lipgloss.NewStyle().Foreground(theme.ColorConnected).Render(fmt.Sprintf("%d up", m.Counts[session.Connected])) + "  " +
		lipgloss.NewStyle().Foreground(theme.ColorNegotiating).Render(fmt.Sprintf("%d negotiating", m.Counts[session.Negotiating])) + "  " +
		theme.StyleDimmed.Render(fmt.Sprintf("%d ended", m.Counts[session.Disconnected])) + "  " +
		lipgloss.NewStyle().Foreground(theme.ColorFailed).Render(fmt.Sprintf("%d failed", m.Counts[session.Failed]))

	harness := theme.StyleDimmed.Render(fmt.Sprintf("cpu %.0f%%  rss %s  g %d",
		m.Harness.CPUPercent, formatBytes(m.Harness.RSSBytes), m.Harness.Goroutines))

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := runStr + sep + progress + sep + counts + sep + harness
	if m.Target != "" {
		content = theme.StyleHeader.Render(m.Target) + "\n" + content
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fG", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.0fM", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.0fK", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
