// Package stats derives per-session throughput, RTT and loss figures from the
// raw counters a transport engine reports.
package stats

import (
	"math"
	"time"
)

// Stats is a point-in-time snapshot for one session.
type Stats struct {
	SendKbps uint64  `json:"sendKbps"`
	RecvKbps uint64  `json:"recvKbps"`
	LiveMs   uint32  `json:"liveMs"`
	RttMs    uint32  `json:"rttMs"`
	Lost     float32 `json:"lost"`
}

// Kbps returns the rate between two cumulative byte samples in kilobits per
// second. A non-positive interval yields 0, and a counter that went backwards
// (engine reset, wrap) is treated as no traffic.
func Kbps(prevBytes uint64, prevAt time.Time, curBytes uint64, curAt time.Time) uint64 {
	elapsed := curAt.Sub(prevAt).Milliseconds()
	if elapsed <= 0 || curBytes < prevBytes {
		return 0
	}
	return ((curBytes - prevBytes) * 8) / uint64(elapsed)
}

// Sampler remembers the previous cumulative counter so consecutive calls to
// Sample yield the instantaneous rate.
type Sampler struct {
	prevBytes uint64
	prevAt    time.Time
	lastKbps  uint64
}

// NewSampler starts a sampler with a zero byte baseline taken at start.
func NewSampler(start time.Time) *Sampler {
	return &Sampler{prevAt: start}
}

// Sample records the cumulative byte count observed at at and returns the
// rate since the previous sample. Less than a millisecond after the previous
// sample the rate is not measurable: the previous rate is repeated and the
// baseline is kept, so those bytes count towards the next interval.
func (s *Sampler) Sample(bytes uint64, at time.Time) uint64 {
	if at.Sub(s.prevAt).Milliseconds() <= 0 {
		return s.lastKbps
	}
	s.lastKbps = Kbps(s.prevBytes, s.prevAt, bytes, at)
	s.prevBytes = bytes
	s.prevAt = at
	return s.lastKbps
}

// RTTMillis normalizes an optional round-trip estimate in milliseconds.
func RTTMillis(rtt *float64) uint32 {
	if rtt == nil || math.IsNaN(*rtt) || *rtt <= 0 {
		return 0
	}
	if *rtt >= math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(*rtt)
}

// LossFraction normalizes an optional loss fraction into [0,1].
func LossFraction(loss *float64) float32 {
	if loss == nil || math.IsNaN(*loss) || *loss <= 0 {
		return 0
	}
	if *loss >= 1 {
		return 1
	}
	return float32(*loss)
}

// LiveMillis returns how long a session has been connected, or 0 when it never
// connected.
func LiveMillis(connectedAt, now time.Time) uint32 {
	if connectedAt.IsZero() || now.Before(connectedAt) {
		return 0
	}
	ms := now.Sub(connectedAt).Milliseconds()
	if ms > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(ms)
}
