package pionrtc

import (
	"github.com/pion/webrtc/v3"

	"github.com/whep-bench/whepbench/internal/rtc"
)

// lossCounter turns cumulative inbound RTP counters into a per-interval loss
// fraction.
type lossCounter struct {
	lost     int64
	received uint64
}

// update records the latest totals and returns the loss fraction since the
// previous call, or nil when no packets were accounted for in between.
func (c *lossCounter) update(lost int64, received uint64) *float64 {
	var dLost int64
	if lost > c.lost {
		dLost = lost - c.lost
	}
	var dRecv uint64
	if received > c.received {
		dRecv = received - c.received
	}
	c.lost, c.received = lost, received

	total := float64(dLost) + float64(dRecv)
	if total == 0 {
		return nil
	}
	frac := float64(dLost) / total
	return &frac
}

// collectStats reduces a pion stats report to an ingress event (RTT of the
// nominated candidate pair, in milliseconds) and a peer event (transport byte
// counters and inbound loss).
func collectStats(report webrtc.StatsReport, loss *lossCounter) (ingress, peer rtc.Event) {
	ingress.Kind = rtc.EventIngressStats
	peer.Kind = rtc.EventPeerStats

	var lost int64
	var received uint64
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.CurrentRoundTripTime > 0 {
				rtt := st.CurrentRoundTripTime * 1000
				ingress.RTT = &rtt
			}
		case webrtc.TransportStats:
			peer.PeerBytesTx += st.BytesSent
			peer.PeerBytesRx += st.BytesReceived
		case webrtc.InboundRTPStreamStats:
			lost += int64(st.PacketsLost)
			received += uint64(st.PacketsReceived)
		}
	}
	peer.LossFraction = loss.update(lost, received)
	return ingress, peer
}
