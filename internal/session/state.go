package session

import (
	"encoding/json"
	"time"

	"github.com/whep-bench/whepbench/internal/stats"
)

// State is the lifecycle position of one benchmark session.
type State int

const (
	Negotiating State = iota
	Connected
	Disconnected
	Failed
)

var stateNames = map[State]string{
	Negotiating:  "negotiating",
	Connected:    "connected",
	Disconnected: "disconnected",
	Failed:       "failed",
}

var stateFromName = map[string]State{
	"negotiating":  Negotiating,
	"connected":    Connected,
	"disconnected": Disconnected,
	"failed":       Failed,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stateFromName[n]; ok {
		*s = v
	}
	return nil
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == Disconnected || s == Failed
}

// SessionState is the observable snapshot of one session as seen through the
// event stream.
type SessionState struct {
	ID          int         `json:"id"`
	State       State       `json:"state"`
	StartedAt   time.Time   `json:"startedAt"`
	ConnectedAt *time.Time  `json:"connectedAt,omitempty"`
	EndedAt     *time.Time  `json:"endedAt,omitempty"`
	Stats       stats.Stats `json:"stats"`
	StatsCount  int         `json:"statsCount"`
	Error       string      `json:"error,omitempty"`
	ErrorClass  string      `json:"errorClass,omitempty"`
}

// Clone returns a deep copy, duplicating pointer fields so the copy can be
// mutated independently of the original.
func (s *SessionState) Clone() *SessionState {
	c := *s
	if s.ConnectedAt != nil {
		t := *s.ConnectedAt
		c.ConnectedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// TimeToConnect returns how long negotiation plus ICE/DTLS took, or 0 if the
// session never connected.
func (s *SessionState) TimeToConnect() time.Duration {
	if s.ConnectedAt == nil {
		return 0
	}
	return s.ConnectedAt.Sub(s.StartedAt)
}
