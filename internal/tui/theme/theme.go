// Package theme provides the Lip Gloss palette and reusable styles for the
// dashboard. It is a leaf package with no internal imports besides session.
package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/whep-bench/whepbench/internal/session"
)

// Session state colors.
var (
	ColorNegotiating  = lipgloss.Color("#7c3aed")
	ColorConnected    = lipgloss.Color("#16a34a")
	ColorDisconnected = lipgloss.Color("#4b5563")
	ColorFailed       = lipgloss.Color("#dc2626")
	ColorDefault      = lipgloss.Color("#9ca3af")
)

// Metric colors.
var (
	ColorRecv = lipgloss.Color("#3b82f6")
	ColorSend = lipgloss.Color("#06b6d4")
	ColorRTT  = lipgloss.Color("#a855f7")
)

// Loss thresholds.
var (
	ColorLossLow  = lipgloss.Color("#22c55e") // <1%
	ColorLossMid  = lipgloss.Color("#d97706") // 1-5%
	ColorLossHigh = lipgloss.Color("#dc2626") // >5%
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

func StateColor(s session.State) lipgloss.Color {
	switch s {
	case session.Negotiating:
		return ColorNegotiating
	case session.Connected:
		return ColorConnected
	case session.Disconnected:
		return ColorDisconnected
	case session.Failed:
		return ColorFailed
	default:
		return ColorDefault
	}
}

// StateGlyph returns a one-cell symbol for a session state.
func StateGlyph(s session.State) string {
	switch s {
	case session.Negotiating:
		return "◎"
	case session.Connected:
		return "●"
	case session.Disconnected:
		return "✓"
	case session.Failed:
		return "✗"
	default:
		return "·"
	}
}

// LossColor returns the color for a loss fraction in [0,1].
func LossColor(lost float64) lipgloss.Color {
	switch {
	case lost > 0.05:
		return ColorLossHigh
	case lost >= 0.01:
		return ColorLossMid
	default:
		return ColorLossLow
	}
}

// Reusable styles.
var (
	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)
)
