// Package session drives a single benchmark client through WHEP negotiation,
// the transport engine's poll/feed loop and teardown, and aggregates the
// observable state of all sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/whep-bench/whepbench/internal/rtc"
	"github.com/whep-bench/whepbench/internal/stats"
	"github.com/whep-bench/whepbench/internal/whep"
)

const (
	maxDatagram    = 1500
	inboundBacklog = 64
)

// Signaler performs the HTTP offer/answer exchange and teardown.
type Signaler interface {
	Negotiate(ctx context.Context, offer string) (answer, location string, err error)
	Teardown(ctx context.Context, location string) error
}

// EventKind classifies what a single Recv call produced.
type EventKind int

const (
	EventContinue EventKind = iota // nothing observable; call Recv again
	EventConnected
	EventStats
	EventDisconnected
)

var eventKindNames = map[EventKind]string{
	EventContinue:     "continue",
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

// Event is the result of one Recv call.
type Event struct {
	Kind  EventKind
	Stats stats.Stats
}

// Config wires a Driver to its collaborators. The driver takes ownership of
// Engine and Conn and closes them in Close.
type Config struct {
	ID        int
	Engine    rtc.Engine
	Conn      net.PacketConn
	Signaling Signaler
	Logger    *slog.Logger
}

type datagram struct {
	payload []byte
	from    net.Addr
	at      time.Time
}

// Driver runs one session. Negotiate, Recv and Teardown must be called from a
// single goroutine; Close may be called from any goroutine.
type Driver struct {
	id        int
	engine    rtc.Engine
	conn      net.PacketConn
	signaling Signaler
	logger    *slog.Logger
	notify    <-chan struct{}

	state       State
	negotiated  bool
	location    string
	connectedAt time.Time
	lastRTT     uint32
	send        *stats.Sampler
	recv        *stats.Sampler
	sendLog     rate.Sometimes

	inbound   chan datagram
	readErr   error // written by the reader before inbound is closed
	done      chan struct{}
	closeOnce sync.Once
}

func NewDriver(cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := time.Now()
	d := &Driver{
		id:        cfg.ID,
		engine:    cfg.Engine,
		conn:      cfg.Conn,
		signaling: cfg.Signaling,
		logger:    logger.With("session", cfg.ID),
		state:     Negotiating,
		send:      stats.NewSampler(now),
		recv:      stats.NewSampler(now),
		sendLog:   rate.Sometimes{Interval: 5 * time.Second},
		inbound:   make(chan datagram, inboundBacklog),
		done:      make(chan struct{}),
	}
	if n, ok := cfg.Engine.(rtc.Notifier); ok {
		d.notify = n.Notify()
	}
	return d
}

func (d *Driver) ID() int { return d.id }

func (d *Driver) State() State { return d.state }

// Location returns the server resource handle, empty before negotiation and
// after teardown.
func (d *Driver) Location() string { return d.location }

// ConnectedAt returns the connectivity instant, zero if never connected.
func (d *Driver) ConnectedAt() time.Time { return d.connectedAt }

func (d *Driver) LocalAddr() net.Addr { return d.conn.LocalAddr() }

// Negotiate performs the one-shot offer/answer exchange. Any failure moves
// the driver to Failed; there is no retry.
func (d *Driver) Negotiate(ctx context.Context) error {
	if d.state != Negotiating || d.negotiated {
		return fmt.Errorf("negotiate called in state %s", d.state)
	}

	offer, err := d.engine.CreateOffer(ctx)
	if err != nil {
		return d.fail(fmt.Errorf("%w: create offer: %w", whep.ErrTransport, err))
	}
	d.logger.Debug("local offer", "sdp", offer)

	answer, location, err := d.signaling.Negotiate(ctx, offer)
	if location != "" && d.location == "" {
		d.location = location
	}
	if err != nil {
		return d.fail(err)
	}
	d.logger.Debug("remote answer", "sdp", answer, "location", location)

	if err := d.engine.AcceptAnswer(answer); err != nil {
		return d.fail(fmt.Errorf("%w: apply answer: %w", whep.ErrSDP, err))
	}

	d.negotiated = true
	go d.readLoop()
	return nil
}

// Recv advances the session by one step and reports what happened. It blocks
// at most until the engine's next deadline, an inbound datagram, or ctx is
// done, in which case ctx.Err() is returned unwrapped.
func (d *Driver) Recv(ctx context.Context) (Event, error) {
	if !d.negotiated {
		return Event{}, errors.New("recv before successful negotiation")
	}
	if d.state.IsTerminal() {
		return Event{Kind: EventDisconnected}, nil
	}
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}

	out, err := d.engine.PollOutput()
	if err != nil {
		return Event{}, d.fail(fmt.Errorf("%w: poll output: %w", whep.ErrTransport, err))
	}

	switch out.Kind {
	case rtc.OutputEvent:
		return d.handleEvent(out.Event)
	case rtc.OutputTransmit:
		d.transmit(out.Transmit)
		return Event{Kind: EventContinue}, nil
	}
	return d.wait(ctx, out.Deadline)
}

func (d *Driver) handleEvent(ev rtc.Event) (Event, error) {
	switch ev.Kind {
	case rtc.EventConnected:
		if !d.connectedAt.IsZero() {
			return Event{Kind: EventContinue}, nil
		}
		d.connectedAt = time.Now()
		d.state = Connected
		d.logger.Info("connected")
		return Event{Kind: EventConnected}, nil

	case rtc.EventICEStateChange:
		d.logger.Info("ice connection state change", "state", ev.ICEState.String())
		if !ev.ICEState.Lost() {
			break
		}
		// Only a connected session can disconnect; losing ICE while still
		// negotiating is a transport failure.
		if d.connectedAt.IsZero() {
			return Event{}, d.fail(fmt.Errorf("%w: ice %s before connectivity", whep.ErrTransport, ev.ICEState))
		}
		d.state = Disconnected
		return Event{Kind: EventDisconnected}, nil

	case rtc.EventIngressStats:
		if ev.RTT != nil {
			d.lastRTT = stats.RTTMillis(ev.RTT)
		}

	case rtc.EventPeerStats:
		now := time.Now()
		sample := stats.Stats{
			SendKbps: d.send.Sample(ev.PeerBytesTx, now),
			RecvKbps: d.recv.Sample(ev.PeerBytesRx, now),
			LiveMs:   stats.LiveMillis(d.connectedAt, now),
			RttMs:    d.lastRTT,
			Lost:     stats.LossFraction(ev.LossFraction),
		}
		// Counters still advance the baseline before connectivity, but stats
		// are only reported for a connected session.
		if d.connectedAt.IsZero() {
			return Event{Kind: EventContinue}, nil
		}
		return Event{Kind: EventStats, Stats: sample}, nil

	case rtc.EventMediaPacket:
		// Media is only counted by the engine.
	}
	return Event{Kind: EventContinue}, nil
}

func (d *Driver) transmit(tx rtc.Transmit) {
	if _, err := d.conn.WriteTo(tx.Payload, tx.Destination); err != nil {
		d.sendLog.Do(func() {
			d.logger.Debug("transmit failed",
				"src", addrString(tx.Source),
				"dst", addrString(tx.Destination),
				"len", len(tx.Payload),
				"err", err)
		})
	}
}

func (d *Driver) wait(ctx context.Context, deadline time.Time) (Event, error) {
	now := time.Now()
	delay := deadline.Sub(now)
	if delay <= 0 {
		// Drive time forward straight away.
		if err := d.engine.HandleInput(rtc.TimeoutInput(now)); err != nil {
			d.logger.Error("engine rejected timeout input", "err", err)
		}
		return Event{Kind: EventContinue}, nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	var in rtc.Input
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-d.notify:
		return Event{Kind: EventContinue}, nil
	case dg, ok := <-d.inbound:
		if !ok {
			err := d.readErr
			if err == nil {
				err = net.ErrClosed
			}
			d.logger.Error("network error", "err", err)
			return Event{}, d.fail(fmt.Errorf("%w: read: %w", whep.ErrNetwork, err))
		}
		in = rtc.ReceiveInput(dg.at, rtc.Receive{
			Payload:     dg.payload,
			Source:      dg.from,
			Destination: d.conn.LocalAddr(),
		})
	case <-timer.C:
		in = rtc.TimeoutInput(time.Now())
	}

	if err := d.engine.HandleInput(in); err != nil {
		return Event{}, d.fail(fmt.Errorf("%w: handle input: %w", whep.ErrTransport, err))
	}
	return Event{Kind: EventContinue}, nil
}

func (d *Driver) readLoop() {
	defer close(d.inbound)
	for {
		buf := make([]byte, maxDatagram)
		n, from, err := d.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-d.done:
			default:
				d.readErr = err
			}
			return
		}
		select {
		case d.inbound <- datagram{payload: buf[:n], from: from, at: time.Now()}:
		case <-d.done:
			return
		}
	}
}

// Teardown deletes the server resource if one was created. The location is
// consumed exactly once; later calls are no-ops.
func (d *Driver) Teardown(ctx context.Context) error {
	location := d.location
	d.location = ""
	if location == "" {
		return nil
	}
	d.logger.Info("tearing down", "location", location)
	return d.signaling.Teardown(ctx, location)
}

// Close releases the socket and the engine. It is safe to call more than once.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		err = errors.Join(d.conn.Close(), d.engine.Close())
	})
	return err
}

func (d *Driver) fail(err error) error {
	d.state = Failed
	return err
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
