package bench

import (
	"encoding/json"
	"time"

	"github.com/whep-bench/whepbench/internal/stats"
)

// EventKind classifies an orchestrator event.
type EventKind int

const (
	EventConnecting EventKind = iota
	EventConnected
	EventStats
	EventDisconnected
)

var eventKindNames = map[EventKind]string{
	EventConnecting:   "connecting",
	EventConnected:    "connected",
	EventStats:        "stats",
	EventDisconnected: "disconnected",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Event is one observation on the benchmark stream. Events of the same
// session arrive in causal order; there is no ordering across sessions.
type Event struct {
	Kind      EventKind
	SessionID int
	At        time.Time
	// Stats is set for EventStats.
	Stats stats.Stats
	// Err is set on EventDisconnected when the session failed.
	Err error
}

func Connecting(id int) Event {
	return Event{Kind: EventConnecting, SessionID: id, At: time.Now()}
}

func Connected(id int) Event {
	return Event{Kind: EventConnected, SessionID: id, At: time.Now()}
}

func StatsEvent(id int, s stats.Stats) Event {
	return Event{Kind: EventStats, SessionID: id, At: time.Now(), Stats: s}
}

func Disconnected(id int, err error) Event {
	return Event{Kind: EventDisconnected, SessionID: id, At: time.Now(), Err: err}
}
