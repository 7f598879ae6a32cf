// Package rtc defines the poll/feed boundary between a benchmark session and
// the real-time transport engine that owns ICE, DTLS/SRTP and RTP for it.
//
// An Engine is a single-threaded state machine from the caller's point of
// view: the session goroutine repeatedly calls PollOutput until it yields a
// timeout, then feeds the engine a received datagram or the passage of time
// through HandleInput.
package rtc

import (
	"context"
	"net"
	"time"
)

// Engine is the transport engine consumed by a session driver.
type Engine interface {
	// CreateOffer builds the local receive-only audio+video offer.
	CreateOffer(ctx context.Context) (string, error)
	// AcceptAnswer applies the remote answer to the pending offer.
	AcceptAnswer(sdp string) error
	// PollOutput returns the next pending output.
	PollOutput() (Output, error)
	// HandleInput feeds a datagram or a timeout into the engine.
	HandleInput(in Input) error
	Close() error
}

// Notifier is implemented by engines that can produce output outside the
// poll cycle (for example from internal goroutines). The channel is signalled
// whenever new output became ready.
type Notifier interface {
	Notify() <-chan struct{}
}

// OutputKind discriminates Output.
type OutputKind int

const (
	OutputTimeout OutputKind = iota
	OutputEvent
	OutputTransmit
)

var outputKindNames = map[OutputKind]string{
	OutputTimeout:  "timeout",
	OutputEvent:    "event",
	OutputTransmit: "transmit",
}

func (k OutputKind) String() string {
	if s, ok := outputKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Output is exactly one of an event, a datagram to transmit, or the deadline
// at which the engine next needs attention.
type Output struct {
	Kind     OutputKind
	Event    Event
	Transmit Transmit
	Deadline time.Time
}

// EventOutput wraps ev as an Output.
func EventOutput(ev Event) Output {
	return Output{Kind: OutputEvent, Event: ev}
}

// TransmitOutput wraps tx as an Output.
func TransmitOutput(tx Transmit) Output {
	return Output{Kind: OutputTransmit, Transmit: tx}
}

// TimeoutOutput returns a deadline Output.
func TimeoutOutput(at time.Time) Output {
	return Output{Kind: OutputTimeout, Deadline: at}
}

// Transmit is an outbound datagram.
type Transmit struct {
	Payload     []byte
	Source      net.Addr
	Destination net.Addr
}

// EventKind discriminates Event.
type EventKind int

const (
	EventOther EventKind = iota
	EventConnected
	EventICEStateChange
	EventIngressStats
	EventPeerStats
	EventMediaPacket
)

var eventKindNames = map[EventKind]string{
	EventOther:          "other",
	EventConnected:      "connected",
	EventICEStateChange: "ice_state_change",
	EventIngressStats:   "ingress_stats",
	EventPeerStats:      "peer_stats",
	EventMediaPacket:    "media_packet",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ICEState mirrors the ICE connection states an engine reports.
type ICEState int

const (
	ICENew ICEState = iota
	ICEChecking
	ICEConnected
	ICECompleted
	ICEDisconnected
	ICEFailed
	ICEClosed
)

var iceStateNames = map[ICEState]string{
	ICENew:          "new",
	ICEChecking:     "checking",
	ICEConnected:    "connected",
	ICECompleted:    "completed",
	ICEDisconnected: "disconnected",
	ICEFailed:       "failed",
	ICEClosed:       "closed",
}

func (s ICEState) String() string {
	if n, ok := iceStateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Lost reports whether the state means the media path is gone for good.
func (s ICEState) Lost() bool {
	return s == ICEDisconnected || s == ICEFailed || s == ICEClosed
}

// Event is a protocol event. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	ICEState ICEState

	// RTT is the round-trip estimate in milliseconds, if known.
	RTT *float64

	PeerBytesTx uint64
	PeerBytesRx uint64
	// LossFraction is the ingress loss since the previous peer stats, if known.
	LossFraction *float64

	Packet []byte
}

// InputKind discriminates Input.
type InputKind int

const (
	InputTimeout InputKind = iota
	InputReceive
)

// Input is fed back into the engine after a wait.
type Input struct {
	Kind    InputKind
	At      time.Time
	Receive Receive
}

// Receive is an inbound datagram.
type Receive struct {
	Payload     []byte
	Source      net.Addr
	Destination net.Addr
}

// TimeoutInput reports that time advanced to at.
func TimeoutInput(at time.Time) Input {
	return Input{Kind: InputTimeout, At: at}
}

// ReceiveInput delivers a datagram received at at.
func ReceiveInput(at time.Time, r Receive) Input {
	return Input{Kind: InputReceive, At: at, Receive: r}
}
