package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/whep-bench/whepbench/internal/bench"
	"github.com/whep-bench/whepbench/internal/session"
	"github.com/whep-bench/whepbench/internal/stats"
	"github.com/whep-bench/whepbench/internal/sysmon"
	"github.com/whep-bench/whepbench/internal/tui/views/dashboard"
	"github.com/whep-bench/whepbench/internal/tui/views/status"
)

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func sized(m Model) Model {
	next, _ := m.Update(tea.WindowSizeMsg{Width: 140, Height: 30})
	return next.(Model)
}

func feed(t *testing.T, m Model, store *session.Store, events ...bench.Event) Model {
	t.Helper()
	record := bench.RecordTo(store)
	for _, ev := range events {
		record.Observe(ev)
		next, _ := m.Update(EventMsg(ev))
		m = next.(Model)
	}
	return m
}

func TestViewBeforeResize(t *testing.T) {
	m := New(session.NewStore(), "http://sfu/whep", bench.Plan{Count: 2}, nil)
	if got := m.View(); got != "Initializing..." {
		t.Errorf("View() = %q", got)
	}
}

func TestEventsRefreshView(t *testing.T) {
	store := session.NewStore()
	m := sized(New(store, "http://sfu/whep", bench.Plan{Count: 2}, nil))

	m = feed(t, m, store,
		bench.Connecting(1),
		bench.Connected(1),
		bench.StatsEvent(1, stats.Stats{RecvKbps: 2500, SendKbps: 40, RttMs: 30}),
		bench.Connecting(2),
		bench.Disconnected(2, errors.New("server: 503 busy")),
	)

	agg := m.dashboard.Aggregate()
	if agg.Connected != 1 || agg.RecvKbps != 2500 || agg.MeanRTT != 30 {
		t.Errorf("aggregate = %+v", agg)
	}
	if m.statusBar.Run != status.Holding {
		t.Errorf("run state = %v, want holding", m.statusBar.Run)
	}
	if !m.animating {
		t.Error("throughput bar should be animating after an event")
	}

	v := m.View()
	for _, want := range []string{"http://sfu/whep", "2/2 started", "2.5 Mbps", "503 busy", "1 up", "1 failed"} {
		if !strings.Contains(v, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestFramesSettle(t *testing.T) {
	store := session.NewStore()
	m := sized(New(store, "", bench.Plan{Count: 1}, nil))
	m = feed(t, m, store,
		bench.Connecting(1),
		bench.Connected(1),
		bench.StatsEvent(1, stats.Stats{RecvKbps: 1000}),
	)

	var cmd tea.Cmd
	for i := 0; i < 10*dashboard.FPS; i++ {
		var next tea.Model
		next, cmd = m.Update(frameMsg(time.Now()))
		m = next.(Model)
		if cmd == nil {
			break
		}
	}
	if cmd != nil || m.animating {
		t.Error("spring never settled")
	}
}

func TestKeys(t *testing.T) {
	store := session.NewStore()
	stopped := false
	m := sized(New(store, "", bench.Plan{Count: 1}, func() { stopped = true }))

	next, _ := m.Update(runes("s"))
	m = next.(Model)
	if m.dashboard.SortMode() != dashboard.SortByRecv {
		t.Errorf("sort after s = %v", m.dashboard.SortMode())
	}

	next, _ = m.Update(runes("j"))
	m = next.(Model)
	if m.dashboard.Offset() != 0 {
		t.Errorf("offset with no overflow = %d", m.dashboard.Offset())
	}

	_, cmd := m.Update(runes("q"))
	if !stopped {
		t.Error("quit did not stop the run")
	}
	if cmd == nil {
		t.Fatal("quit returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("quit command is not tea.Quit")
	}
}

func TestSysmonAndDone(t *testing.T) {
	m := sized(New(session.NewStore(), "", bench.Plan{Count: 1}, nil))

	next, _ := m.Update(SysmonMsg(sysmon.Sample{CPUPercent: 37, RSSBytes: 64 << 20, Goroutines: 12}))
	m = next.(Model)
	next, _ = m.Update(DoneMsg{Err: errors.New("interrupted")})
	m = next.(Model)

	if m.statusBar.Run != status.Aborted {
		t.Errorf("run state = %v, want aborted", m.statusBar.Run)
	}
	v := m.View()
	for _, want := range []string{"cpu 37%", "rss 64M", "aborted", "run finished"} {
		if !strings.Contains(v, want) {
			t.Errorf("view missing %q", want)
		}
	}
}
