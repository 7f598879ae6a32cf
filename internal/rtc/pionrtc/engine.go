// Package pionrtc adapts pion/webrtc to the rtc poll/feed engine contract.
//
// pion runs its own goroutines and talks to the network through a UDP mux.
// The mux here is backed by a virtual packet conn, so every datagram pion
// wants to send surfaces as an rtc.Transmit and every datagram the session
// driver reads is handed to pion through HandleInput. Callbacks from pion are
// queued as events and announced on the Notify channel.
package pionrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/ice/v2"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/whep-bench/whepbench/internal/rtc"
)

const (
	defaultStatsInterval = 2 * time.Second
	idleTick             = 500 * time.Millisecond
	maxPendingTransmits  = 1024
)

var ErrClosed = errors.New("pionrtc: engine closed")

type Config struct {
	// StatsInterval is how often connection statistics are sampled once
	// connected.
	StatsInterval time.Duration
	Logger        *slog.Logger
}

// Engine is a receive-only peer connection driven through rtc.Engine.
type Engine struct {
	pc     *webrtc.PeerConnection
	mux    ice.UDPMux
	conn   *packetConn
	local  net.Addr
	logger *slog.Logger
	notify chan struct{}

	statsInterval time.Duration
	// loss is only touched from HandleInput.
	loss lossCounter

	drainTracks  sync.WaitGroup
	closeTracker chan struct{}

	mu        sync.Mutex
	events    []rtc.Event
	transmits []rtc.Transmit
	dropped   int
	connected bool
	nextStats time.Time
	closed    bool
}

// New creates an engine whose datagrams are sent from and received on local.
func New(local net.Addr, cfg Config) (*Engine, error) {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = defaultStatsInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	e := &Engine{
		local:         local,
		logger:        cfg.Logger,
		notify:        make(chan struct{}, 1),
		statsInterval: cfg.StatsInterval,
		closeTracker:  make(chan struct{}),
	}
	e.conn = newPacketConn(local, e.enqueueTransmit)

	lf := loggerFactory{logger: cfg.Logger}
	e.mux = ice.NewUDPMuxDefault(ice.UDPMuxParams{
		Logger:  lf.NewLogger("udpmux"),
		UDPConn: e.conn,
	})

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		e.mux.Close()
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		e.mux.Close()
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: lf}
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	se.SetICEUDPMux(e.mux)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		e.mux.Close()
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	e.pc = pc

	pc.OnConnectionStateChange(e.onConnectionState)
	pc.OnICEConnectionStateChange(e.onICEState)
	pc.OnTrack(e.onTrack)
	return e, nil
}

func (e *Engine) CreateOffer(ctx context.Context) (string, error) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		_, err := e.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return "", fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("ice gathering: %w", ctx.Err())
	}
	return e.pc.LocalDescription().SDP, nil
}

func (e *Engine) AcceptAnswer(sdp string) error {
	return e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

// PollOutput drains queued events first, then datagrams, and otherwise
// reports when statistics are next due.
func (e *Engine) PollOutput() (rtc.Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return rtc.Output{}, ErrClosed
	}

	if len(e.events) > 0 {
		ev := e.events[0]
		e.events = e.events[1:]
		return rtc.EventOutput(ev), nil
	}
	if len(e.transmits) > 0 {
		tx := e.transmits[0]
		e.transmits = e.transmits[1:]
		return rtc.TransmitOutput(tx), nil
	}

	deadline := time.Now().Add(idleTick)
	if e.connected && e.nextStats.Before(deadline) {
		deadline = e.nextStats
	}
	return rtc.TimeoutOutput(deadline), nil
}

func (e *Engine) HandleInput(in rtc.Input) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	due := e.connected && !in.At.Before(e.nextStats)
	if due {
		e.nextStats = in.At.Add(e.statsInterval)
	}
	e.mu.Unlock()

	switch in.Kind {
	case rtc.InputReceive:
		if !e.conn.deliver(in.Receive.Payload, in.Receive.Source) {
			e.logger.Debug("inbound datagram dropped", "from", in.Receive.Source)
		}
	case rtc.InputTimeout:
		if due {
			e.sampleStats()
		}
	}
	return nil
}

func (e *Engine) Notify() <-chan struct{} { return e.notify }

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.closeTracker)
	err := errors.Join(e.pc.Close(), e.mux.Close())
	e.drainTracks.Wait()
	return err
}

func (e *Engine) sampleStats() {
	ingress, peer := collectStats(e.pc.GetStats(), &e.loss)
	if ingress.RTT != nil {
		e.pushEvent(ingress)
	}
	e.pushEvent(peer)
}

func (e *Engine) onConnectionState(s webrtc.PeerConnectionState) {
	e.logger.Debug("peer connection state", "state", s.String())
	if s != webrtc.PeerConnectionStateConnected {
		return
	}
	e.mu.Lock()
	first := !e.connected
	if first {
		e.connected = true
		e.nextStats = time.Now().Add(e.statsInterval)
	}
	e.mu.Unlock()
	if first {
		e.pushEvent(rtc.Event{Kind: rtc.EventConnected})
	}
}

func (e *Engine) onICEState(s webrtc.ICEConnectionState) {
	e.pushEvent(rtc.Event{Kind: rtc.EventICEStateChange, ICEState: iceState(s)})
}

// onTrack drains remote media so pion's buffers keep flowing; byte counts
// are picked up from the transport stats.
func (e *Engine) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	e.logger.Debug("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.drainTracks.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.drainTracks.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
			select {
			case <-e.closeTracker:
				return
			default:
			}
		}
	}()
}

func (e *Engine) pushEvent(ev rtc.Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.events = append(e.events, ev)
	e.mu.Unlock()
	e.wake()
}

func (e *Engine) enqueueTransmit(payload []byte, to net.Addr) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if len(e.transmits) >= maxPendingTransmits {
		e.dropped++
		if e.dropped%100 == 1 {
			e.logger.Warn("transmit queue full, dropping datagrams", "dropped", e.dropped)
		}
		e.mu.Unlock()
		return
	}
	e.transmits = append(e.transmits, rtc.Transmit{
		Payload:     payload,
		Source:      e.local,
		Destination: to,
	})
	e.mu.Unlock()
	e.wake()
}

func (e *Engine) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func iceState(s webrtc.ICEConnectionState) rtc.ICEState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return rtc.ICEChecking
	case webrtc.ICEConnectionStateConnected:
		return rtc.ICEConnected
	case webrtc.ICEConnectionStateCompleted:
		return rtc.ICECompleted
	case webrtc.ICEConnectionStateDisconnected:
		return rtc.ICEDisconnected
	case webrtc.ICEConnectionStateFailed:
		return rtc.ICEFailed
	case webrtc.ICEConnectionStateClosed:
		return rtc.ICEClosed
	default:
		return rtc.ICENew
	}
}
