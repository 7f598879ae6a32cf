// Package dashboard provides the aggregate stats row and the per-session
// table for the live view.
package dashboard

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/whep-bench/whepbench/internal/session"
	"github.com/whep-bench/whepbench/internal/tui/theme"
)

// FPS is the animation frame rate of the throughput bar.
const FPS = 30

// SortMode orders the session table.
type SortMode int

const (
	SortByID SortMode = iota
	SortByRecv
	SortByRTT
	SortByLoss
	sortModes
)

func (s SortMode) String() string {
	switch s {
	case SortByID:
		return "id"
	case SortByRecv:
		return "recv"
	case SortByRTT:
		return "rtt"
	case SortByLoss:
		return "loss"
	default:
		return "?"
	}
}

// Aggregate sums the figures of connected sessions.
type Aggregate struct {
	Connected int
	RecvKbps  uint64
	SendKbps  uint64
	MeanRTT   float64
	MeanLoss  float64
}

func aggregate(sessions []*session.SessionState) Aggregate {
	var a Aggregate
	var rttSum, lossSum float64
	var rttN int
	for _, s := range sessions {
		if s.State != session.Connected {
			continue
		}
		a.Connected++
		a.RecvKbps += s.Stats.RecvKbps
		a.SendKbps += s.Stats.SendKbps
		lossSum += float64(s.Stats.Lost)
		if s.Stats.RttMs > 0 {
			rttSum += float64(s.Stats.RttMs)
			rttN++
		}
	}
	if rttN > 0 {
		a.MeanRTT = rttSum / float64(rttN)
	}
	if a.Connected > 0 {
		a.MeanLoss = lossSum / float64(a.Connected)
	}
	return a
}

// Model holds the dashboard state.
type Model struct {
	Width  int
	Height int

	sessions []*session.SessionState
	sortMode SortMode
	offset   int
	agg      Aggregate

	// Throughput bar: a spring eases barPos toward recv/peak.
	spring    harmonica.Spring
	barPos    float64
	barVel    float64
	barTarget float64
	peakKbps  uint64
}

// New creates a dashboard model.
func New() Model {
	return Model{
		spring: harmonica.NewSpring(harmonica.FPS(FPS), 6.0, 0.5),
	}
}

// SetSessions replaces the session list. The dashboard sorts its own copy.
func (m *Model) SetSessions(sessions []*session.SessionState) {
	m.sessions = append([]*session.SessionState(nil), sessions...)
	m.sort()
	m.agg = aggregate(m.sessions)
	if m.agg.RecvKbps > m.peakKbps {
		m.peakKbps = m.agg.RecvKbps
	}
	if m.peakKbps > 0 {
		m.barTarget = float64(m.agg.RecvKbps) / float64(m.peakKbps)
	} else {
		m.barTarget = 0
	}
	m.clampOffset()
}

func (m Model) Aggregate() Aggregate { return m.agg }

func (m Model) SortMode() SortMode { return m.sortMode }

// CycleSort switches to the next sort column.
func (m *Model) CycleSort() {
	m.sortMode = (m.sortMode + 1) % sortModes
	m.sort()
}

func (m *Model) sort() {
	less := func(a, b *session.SessionState) bool { return a.ID < b.ID }
	switch m.sortMode {
	case SortByRecv:
		less = func(a, b *session.SessionState) bool { return a.Stats.RecvKbps > b.Stats.RecvKbps }
	case SortByRTT:
		less = func(a, b *session.SessionState) bool { return a.Stats.RttMs > b.Stats.RttMs }
	case SortByLoss:
		less = func(a, b *session.SessionState) bool { return a.Stats.Lost > b.Stats.Lost }
	}
	sort.SliceStable(m.sessions, func(i, j int) bool {
		if less(m.sessions[i], m.sessions[j]) {
			return true
		}
		if less(m.sessions[j], m.sessions[i]) {
			return false
		}
		return m.sessions[i].ID < m.sessions[j].ID
	})
}

// ScrollDown and ScrollUp move the table window by one row.
func (m *Model) ScrollDown() {
	m.offset++
	m.clampOffset()
}

func (m *Model) ScrollUp() {
	m.offset--
	m.clampOffset()
}

func (m Model) Offset() int { return m.offset }

func (m Model) visibleRows() int {
	rows := m.Height - 3
	if rows < 1 {
		rows = 1
	}
	return rows
}

func (m *Model) clampOffset() {
	maxOffset := len(m.sessions) - m.visibleRows()
	if maxOffset < 0 {
		maxOffset = 0
	}
	if m.offset > maxOffset {
		m.offset = maxOffset
	}
	if m.offset < 0 {
		m.offset = 0
	}
}

// Animate advances the throughput bar one frame and reports whether it is
// still moving.
func (m *Model) Animate() bool {
	m.barPos, m.barVel = m.spring.Update(m.barPos, m.barVel, m.barTarget)
	if math.Abs(m.barPos-m.barTarget) < 0.001 && math.Abs(m.barVel) < 0.001 {
		m.barPos, m.barVel = m.barTarget, 0
		return false
	}
	return true
}

// View renders the stats row and the session table.
func (m Model) View(now time.Time) string {
	width := m.Width
	if width < 40 {
		width = 40
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderStatsRow(width),
		m.renderTable(width, now),
	)
}

func (m Model) renderStatsRow(width int) string {
	statStyle := lipgloss.NewStyle().Padding(0, 1)
	stats := []string{
		statStyle.Foreground(theme.ColorRecv).Render(
			fmt.Sprintf("Recv: %s", formatRate(m.agg.RecvKbps))),
		statStyle.Foreground(theme.ColorSend).Render(
			fmt.Sprintf("Send: %s", formatRate(m.agg.SendKbps))),
		statStyle.Foreground(theme.ColorRTT).Render(
			fmt.Sprintf("RTT: %.0fms", m.agg.MeanRTT)),
		statStyle.Foreground(theme.LossColor(m.agg.MeanLoss)).Render(
			fmt.Sprintf("Loss: %.2f%%", m.agg.MeanLoss*100)),
	}
	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := strings.Join(stats, sep)

	barWidth := width - lipgloss.Width(content) - 8
	if barWidth >= 10 {
		content += sep + renderBar(m.barPos, barWidth)
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

func renderBar(frac float64, width int) string {
	filled := max(0, min(int(math.Round(frac*float64(width))), width))
	return lipgloss.NewStyle().Foreground(theme.ColorRecv).Render(strings.Repeat("█", filled)) +
		lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(strings.Repeat("░", width-filled))
}

// Column widths (fixed layout).
const (
	colID    = 5
	colState = 14
	colRecv  = 11
	colSend  = 11
	colRTT   = 8
	colLoss  = 8
	colLive  = 8
)

func (m Model) renderTable(width int, now time.Time) string {
	header := lipgloss.NewStyle().Bold(true).Foreground(theme.ColorBright).
		Render(fmt.Sprintf("  Sessions (sort: %s)", m.sortMode))

	if len(m.sessions) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left,
			header,
			theme.StyleDimmed.Render("  No sessions yet"),
		)
	}

	dimStyle := lipgloss.NewStyle().Foreground(theme.ColorDimmed)
	tableHeader := fmt.Sprintf("  %-*s %-*s %*s %*s %*s %*s %*s  %s",
		colID, "#",
		colState, "State",
		colRecv, "Recv",
		colSend, "Send",
		colRTT, "RTT",
		colLoss, "Loss",
		colLive, "Live",
		"Error",
	)
	fixed := colID + colState + colRecv + colSend + colRTT + colLoss + colLive + 9
	lines := []string{
		header,
		dimStyle.Render(tableHeader),
		dimStyle.Render("  " + strings.Repeat("─", min(width-4, fixed+10))),
	}

	end := min(len(m.sessions), m.offset+m.visibleRows())
	for _, s := range m.sessions[m.offset:end] {
		lines = append(lines, renderRow(s, width-fixed-4, now))
	}
	if hidden := len(m.sessions) - (end - m.offset); hidden > 0 {
		lines = append(lines, dimStyle.Render(fmt.Sprintf("  … %d more (j/k to scroll)", hidden)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderRow(s *session.SessionState, errWidth int, now time.Time) string {
	stateColor := theme.StateColor(s.State)
	idStr := fmt.Sprintf("%-*d", colID, s.ID)
	stateStr := lipgloss.NewStyle().Foreground(stateColor).Width(colState).
		Render(theme.StateGlyph(s.State) + " " + s.State.String())

	right := lipgloss.NewStyle().Foreground(theme.ColorBright).Align(lipgloss.Right)
	recvStr := right.Width(colRecv).Render(formatRate(s.Stats.RecvKbps))
	sendStr := right.Width(colSend).Render(formatRate(s.Stats.SendKbps))
	rttStr := right.Width(colRTT).Render(fmt.Sprintf("%dms", s.Stats.RttMs))
	lossStr := right.Foreground(theme.LossColor(float64(s.Stats.Lost))).Width(colLoss).
		Render(fmt.Sprintf("%.1f%%", s.Stats.Lost*100))
	liveStr := right.Foreground(theme.ColorDimmed).Width(colLive).Render(liveFor(s, now))

	errStr := s.Error
	if errWidth < 8 {
		errWidth = 8
	}
	if len(errStr) > errWidth {
		errStr = errStr[:errWidth-1] + "…"
	}

	return fmt.Sprintf("  %s %s %s %s %s %s %s  %s",
		idStr, stateStr, recvStr, sendStr, rttStr, lossStr, liveStr,
		lipgloss.NewStyle().Foreground(theme.ColorDanger).Render(errStr))
}

// liveFor is how long the session has been (or was) connected.
func liveFor(s *session.SessionState, now time.Time) string {
	if s.ConnectedAt == nil {
		return "-"
	}
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	return formatElapsed(end.Sub(*s.ConnectedAt))
}

// formatElapsed renders a duration as a compact string (e.g. "42s", "3m").
func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}

// formatRate formats a kbps figure with a kbps or Mbps suffix.
func formatRate(kbps uint64) string {
	if kbps >= 1000 {
		return fmt.Sprintf("%.1f Mbps", float64(kbps)/1000)
	}
	return fmt.Sprintf("%d kbps", kbps)
}
