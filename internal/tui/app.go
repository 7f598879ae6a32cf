// Package tui is the live terminal dashboard for a benchmark run. The run
// feeds it through Program.Send with EventMsg, SysmonMsg and DoneMsg.
package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/whep-bench/whepbench/internal/bench"
	"github.com/whep-bench/whepbench/internal/session"
	"github.com/whep-bench/whepbench/internal/sysmon"
	"github.com/whep-bench/whepbench/internal/tui/theme"
	"github.com/whep-bench/whepbench/internal/tui/views/dashboard"
	"github.com/whep-bench/whepbench/internal/tui/views/status"
)

// EventMsg carries one bench event. The store must already reflect it.
type EventMsg bench.Event

type SysmonMsg sysmon.Sample

// DoneMsg reports that the run finished, with its error if any.
type DoneMsg struct{ Err error }

type frameMsg time.Time

// Model is the root Bubble Tea model.
type Model struct {
	store *session.Store
	stop  func()
	now   func() time.Time

	keys   KeyMap
	width  int
	height int

	statusBar status.Model
	dashboard dashboard.Model

	animating bool
	done      bool
}

// New creates the root model. stop is called when the user quits so the run
// can wind down; it may be nil.
func New(store *session.Store, target string, plan bench.Plan, stop func()) Model {
	now := time.Now
	bar := status.New(target, plan.Count, now())
	bar.Ramp = plan.RampDuration()
	return Model{
		store:     store,
		stop:      stop,
		now:       now,
		keys:      DefaultKeyMap(),
		statusBar: bar,
		dashboard: dashboard.New(),
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func frame() tea.Cmd {
	return tea.Tick(time.Second/dashboard.FPS, func(t time.Time) tea.Msg {
		return frameMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.dashboard.Width = msg.Width
		// status bar (4) + stats row (3) + footer (1)
		m.dashboard.Height = msg.Height - 8
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case EventMsg:
		m.refresh()
		return m.startAnimation()

	case SysmonMsg:
		m.statusBar.Harness = sysmon.Sample(msg)
		return m, nil

	case DoneMsg:
		m.done = true
		m.refresh()
		m.statusBar.Finish(m.now(), msg.Err)
		return m, nil

	case frameMsg:
		if m.dashboard.Animate() {
			return m, frame()
		}
		m.animating = false
		return m, nil
	}

	return m, nil
}

func (m *Model) refresh() {
	m.dashboard.SetSessions(m.store.GetAll())
	m.statusBar.SetCounts(m.store.Counts())
	m.statusBar.Active = m.store.ActiveCount()
}

func (m Model) startAnimation() (tea.Model, tea.Cmd) {
	if m.animating {
		return m, nil
	}
	m.animating = true
	return m, frame()
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.stop != nil {
			m.stop()
		}
		return m, tea.Quit

	case key.Matches(msg, m.keys.Down):
		m.dashboard.ScrollDown()

	case key.Matches(msg, m.keys.Up):
		m.dashboard.ScrollUp()

	case key.Matches(msg, m.keys.Sort):
		m.dashboard.CycleSort()
	}
	return m, nil
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	now := m.now()
	footer := "  j/k:scroll  s:sort  q:quit"
	if m.done {
		footer = "  run finished  q:quit and print report"
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.statusBar.View(now),
		m.dashboard.View(now),
		theme.StyleDimmed.Render(footer),
	)
}

// Observer forwards bench events to a running program.
func Observer(p *tea.Program) bench.Observer {
	return bench.ObserverFunc(func(ev bench.Event) {
		p.Send(EventMsg(ev))
	})
}
