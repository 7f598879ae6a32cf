package metrics

import (
	"strconv"
	"time"

	"github.com/whep-bench/whepbench/internal/bench"
	"github.com/whep-bench/whepbench/internal/whep"
)

// Observer keeps the collectors in step with the event stream. It must be
// fed from a single goroutine, as bench.Dispatch does.
type Observer struct {
	started   map[int]time.Time
	connected map[int]bool
}

func NewObserver() *Observer {
	return &Observer{
		started:   make(map[int]time.Time),
		connected: make(map[int]bool),
	}
}

func (o *Observer) Observe(ev bench.Event) {
	switch ev.Kind {
	case bench.EventConnecting:
		o.started[ev.SessionID] = ev.At
		SessionsStarted.Inc()
		ActiveSessions.Inc()

	case bench.EventConnected:
		if o.connected[ev.SessionID] {
			return
		}
		o.connected[ev.SessionID] = true
		SessionsConnected.Inc()
		ConnectedSessions.Inc()
		if at, ok := o.started[ev.SessionID]; ok {
			TimeToConnect.Observe(ev.At.Sub(at).Seconds())
		}

	case bench.EventStats:
		RecvKbps.Observe(float64(ev.Stats.RecvKbps))
		SendKbps.Observe(float64(ev.Stats.SendKbps))
		if ev.Stats.RttMs > 0 {
			RTTMillis.Observe(float64(ev.Stats.RttMs))
		}
		LossFraction.WithLabelValues(strconv.Itoa(ev.SessionID)).Set(float64(ev.Stats.Lost))

	case bench.EventDisconnected:
		if _, ok := o.started[ev.SessionID]; !ok {
			return
		}
		delete(o.started, ev.SessionID)
		ActiveSessions.Dec()
		if o.connected[ev.SessionID] {
			delete(o.connected, ev.SessionID)
			ConnectedSessions.Dec()
		}
		LossFraction.DeleteLabelValues(strconv.Itoa(ev.SessionID))
		SessionsEnded.WithLabelValues(Outcome(ev.Err)).Inc()
	}
}

// Outcome labels how a session ended: "ok" or its failure class.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return whep.Class(err)
}
