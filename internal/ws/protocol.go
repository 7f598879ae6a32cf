package ws

import (
	"github.com/whep-bench/whepbench/internal/session"
	"github.com/whep-bench/whepbench/internal/sysmon"
)

type MessageType string

const (
	MsgSnapshot   MessageType = "snapshot"
	MsgDelta      MessageType = "delta"
	MsgCompletion MessageType = "completion"
	MsgSysmon     MessageType = "sysmon"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

type SnapshotPayload struct {
	Sessions []*session.SessionState `json:"sessions"`
}

type DeltaPayload struct {
	Updates []*session.SessionState `json:"updates"`
}

// CompletionPayload announces that a session reached a terminal state.
type CompletionPayload struct {
	SessionID  int           `json:"sessionId"`
	State      session.State `json:"state"`
	Error      string        `json:"error,omitempty"`
	ErrorClass string        `json:"errorClass,omitempty"`
}

type SysmonPayload = sysmon.Sample
