package bench

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/whep-bench/whepbench/internal/session"
	"github.com/whep-bench/whepbench/internal/stats"
	"github.com/whep-bench/whepbench/internal/whep"
)

func TestDispatchFansOutInOrder(t *testing.T) {
	events := make(chan Event, 4)
	events <- Connecting(1)
	events <- Connected(1)
	events <- StatsEvent(1, stats.Stats{RecvKbps: 900})
	events <- Disconnected(1, nil)
	close(events)

	var a, b []EventKind
	Dispatch(events,
		ObserverFunc(func(ev Event) { a = append(a, ev.Kind) }),
		ObserverFunc(func(ev Event) { b = append(b, ev.Kind) }),
	)

	want := []EventKind{EventConnecting, EventConnected, EventStats, EventDisconnected}
	for _, got := range [][]EventKind{a, b} {
		if len(got) != len(want) {
			t.Fatalf("observer saw %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("event %d = %s, want %s", i, got[i], want[i])
			}
		}
	}
}

func TestRecordTo(t *testing.T) {
	store := session.NewStore()
	obs := RecordTo(store)

	t0 := time.Now()
	obs.Observe(Event{Kind: EventConnecting, SessionID: 1, At: t0})
	obs.Observe(Event{Kind: EventConnecting, SessionID: 2, At: t0})
	obs.Observe(Event{Kind: EventConnected, SessionID: 1, At: t0.Add(time.Second)})
	obs.Observe(Event{Kind: EventStats, SessionID: 1, At: t0.Add(2 * time.Second), Stats: stats.Stats{RecvKbps: 2500}})
	obs.Observe(Event{Kind: EventDisconnected, SessionID: 2, At: t0.Add(3 * time.Second), Err: whep.ErrSDP})

	one, _ := store.Get(1)
	if one.State != session.Connected || one.Stats.RecvKbps != 2500 {
		t.Errorf("session 1 = %+v", one)
	}
	if got := one.TimeToConnect(); got != time.Second {
		t.Errorf("TimeToConnect = %v, want 1s", got)
	}
	two, _ := store.Get(2)
	if two.State != session.Failed || two.ErrorClass != "sdp" {
		t.Errorf("session 2 = %+v", two)
	}
	if store.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", store.ActiveCount())
	}
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	obs := LogObserver(logger)

	obs.Observe(Connecting(4))
	obs.Observe(Disconnected(4, errors.Join(whep.ErrNetwork, errors.New("reset"))))

	out := buf.String()
	for _, want := range []string{"session connecting", "session=4", "class=network"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name string
		plan Plan
		ok   bool
	}{
		{"valid", Plan{Count: 3, Interval: time.Second, Lifetime: time.Minute}, true},
		{"zero interval", Plan{Count: 3, Lifetime: time.Minute}, true},
		{"zero count", Plan{Count: 0, Lifetime: time.Minute}, false},
		{"negative interval", Plan{Count: 1, Interval: -time.Second, Lifetime: time.Minute}, false},
		{"zero lifetime", Plan{Count: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidPlan) {
				t.Errorf("Validate() = %v, want ErrInvalidPlan", err)
			}
		})
	}
}

func TestPlanRampDuration(t *testing.T) {
	p := Plan{Count: 3, Interval: 100 * time.Millisecond, Lifetime: time.Second}
	if got := p.RampDuration(); got != 200*time.Millisecond {
		t.Errorf("RampDuration() = %v, want 200ms", got)
	}
}
