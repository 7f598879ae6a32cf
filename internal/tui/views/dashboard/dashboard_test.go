package dashboard

import (
	"strings"
	"testing"
	"time"

	"github.com/whep-bench/whepbench/internal/session"
	"github.com/whep-bench/whepbench/internal/stats"
)

func testSessions() []*session.SessionState {
	t0 := time.Now().Add(-90 * time.Second)
	return []*session.SessionState{
		{ID: 1, State: session.Connected, ConnectedAt: &t0, Stats: stats.Stats{RecvKbps: 1000, SendKbps: 10, RttMs: 20, Lost: 0.02}},
		{ID: 2, State: session.Connected, ConnectedAt: &t0, Stats: stats.Stats{RecvKbps: 3000, SendKbps: 30, RttMs: 40}},
		{ID: 3, State: session.Failed, Error: "transport: ice failed", Stats: stats.Stats{RecvKbps: 9000, RttMs: 900, Lost: 0.9}},
		{ID: 4, State: session.Negotiating},
	}
}

func ids(m Model) []int {
	out := make([]int, len(m.sessions))
	for i, s := range m.sessions {
		out[i] = s.ID
	}
	return out
}

func equal(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAggregateCountsConnectedOnly(t *testing.T) {
	m := New()
	m.SetSessions(testSessions())
	a := m.Aggregate()
	if a.Connected != 2 || a.RecvKbps != 4000 || a.SendKbps != 40 {
		t.Errorf("aggregate = %+v", a)
	}
	if a.MeanRTT != 30 {
		t.Errorf("MeanRTT = %v, want 30", a.MeanRTT)
	}
	if a.MeanLoss < 0.0099 || a.MeanLoss > 0.0101 {
		t.Errorf("MeanLoss = %v, want 0.01", a.MeanLoss)
	}
}

func TestCycleSort(t *testing.T) {
	m := New()
	m.SetSessions(testSessions())

	tests := []struct {
		mode SortMode
		want []int
	}{
		{SortByRecv, []int{3, 2, 1, 4}},
		{SortByRTT, []int{3, 2, 1, 4}},
		{SortByLoss, []int{3, 1, 2, 4}},
		{SortByID, []int{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		m.CycleSort()
		if m.SortMode() != tt.mode {
			t.Fatalf("mode = %v, want %v", m.SortMode(), tt.mode)
		}
		if got := ids(m); !equal(got, tt.want) {
			t.Errorf("%v order = %v, want %v", tt.mode, got, tt.want)
		}
	}
}

func TestScrollClamps(t *testing.T) {
	m := New()
	m.Height = 5 // two visible rows
	m.SetSessions(testSessions())

	m.ScrollUp()
	if m.Offset() != 0 {
		t.Errorf("offset after scrolling above top = %d", m.Offset())
	}
	for i := 0; i < 10; i++ {
		m.ScrollDown()
	}
	if m.Offset() != 2 {
		t.Errorf("offset after scrolling past bottom = %d, want 2", m.Offset())
	}

	m.SetSessions(testSessions()[:1])
	if m.Offset() != 0 {
		t.Errorf("offset after shrink = %d, want 0", m.Offset())
	}
}

func TestAnimateConverges(t *testing.T) {
	m := New()
	m.SetSessions(testSessions())
	if m.barTarget != 1 {
		t.Fatalf("barTarget at peak = %v, want 1", m.barTarget)
	}

	frames := 0
	for m.Animate() {
		frames++
		if frames > 10*FPS {
			t.Fatal("spring did not settle")
		}
	}
	if m.barPos != 1 {
		t.Errorf("barPos = %v, want 1", m.barPos)
	}

	half := testSessions()
	half[1].Stats.RecvKbps = 1000
	m.SetSessions(half)
	if m.barTarget != 0.5 {
		t.Errorf("barTarget after drop = %v, want 0.5", m.barTarget)
	}
}

func TestViewRendersRows(t *testing.T) {
	m := New()
	m.Width = 140
	m.Height = 20
	m.SetSessions(testSessions())
	v := m.View(time.Now())

	for _, want := range []string{"Recv: 4.0 Mbps", "RTT: 30ms", "connected", "failed", "transport: ice failed", "1m30s"} {
		if !strings.Contains(v, want) {
			t.Errorf("view missing %q", want)
		}
	}

	empty := New()
	if !strings.Contains(empty.View(time.Now()), "No sessions yet") {
		t.Error("empty view missing placeholder")
	}
}

func TestFormatRate(t *testing.T) {
	tests := []struct {
		kbps uint64
		want string
	}{
		{0, "0 kbps"},
		{999, "999 kbps"},
		{1000, "1.0 Mbps"},
		{2540, "2.5 Mbps"},
	}
	for _, tt := range tests {
		if got := formatRate(tt.kbps); got != tt.want {
			t.Errorf("formatRate(%d) = %q, want %q", tt.kbps, got, tt.want)
		}
	}
}
