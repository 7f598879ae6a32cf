package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/whep-bench/whepbench/internal/rtc"
	"github.com/whep-bench/whepbench/internal/rtc/rtctest"
	"github.com/whep-bench/whepbench/internal/whep"
)

type fakeSignaler struct {
	mu        sync.Mutex
	answer    string
	location  string
	err       error
	offers    []string
	teardowns []string
}

func (f *fakeSignaler) Negotiate(ctx context.Context, offer string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, offer)
	return f.answer, f.location, f.err
}

func (f *fakeSignaler) Teardown(ctx context.Context, location string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns = append(f.teardowns, location)
	return nil
}

func (f *fakeSignaler) Teardowns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.teardowns...)
}

func newTestDriver(t *testing.T, eng *rtctest.Engine, sig Signaler) *Driver {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	d := NewDriver(Config{ID: 1, Engine: eng, Conn: conn, Signaling: sig})
	t.Cleanup(func() { d.Close() })
	return d
}

func okSignaler() *fakeSignaler {
	return &fakeSignaler{answer: "answer-sdp", location: "http://server/resource/1"}
}

// recvUntil calls Recv until it yields something other than EventContinue.
func recvUntil(t *testing.T, d *Driver, ctx context.Context) Event {
	t.Helper()
	for range 100 {
		ev, err := d.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if ev.Kind != EventContinue {
			return ev
		}
	}
	t.Fatal("Recv never produced an observable event")
	return Event{}
}

func TestDriverNegotiate(t *testing.T) {
	eng := rtctest.New()
	sig := okSignaler()
	d := newTestDriver(t, eng, sig)

	if err := d.Negotiate(context.Background()); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if len(sig.offers) != 1 || sig.offers[0] != rtctest.DefaultOffer {
		t.Errorf("signaler saw offers %q", sig.offers)
	}
	if eng.Answer() != "answer-sdp" {
		t.Errorf("engine answer = %q", eng.Answer())
	}
	if d.Location() != sig.location {
		t.Errorf("Location = %q, want %q", d.Location(), sig.location)
	}
	if d.State() != Negotiating {
		t.Errorf("State = %s, want negotiating until connectivity", d.State())
	}
	if err := d.Negotiate(context.Background()); err == nil {
		t.Error("second Negotiate should fail")
	}
}

func TestDriverNegotiateFailures(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(*rtctest.Engine, *fakeSignaler)
		wantErr      error
		wantLocation string
	}{
		{
			name:    "offer",
			setup:   func(e *rtctest.Engine, _ *fakeSignaler) { e.OfferErr = errors.New("no codecs") },
			wantErr: whep.ErrTransport,
		},
		{
			name: "server rejects",
			setup: func(_ *rtctest.Engine, s *fakeSignaler) {
				s.location = ""
				s.err = whep.ErrServer
			},
			wantErr: whep.ErrServer,
		},
		{
			name: "bad answer keeps location",
			setup: func(_ *rtctest.Engine, s *fakeSignaler) {
				s.err = whep.ErrSDP
			},
			wantErr:      whep.ErrSDP,
			wantLocation: "http://server/resource/1",
		},
		{
			name:         "engine rejects answer",
			setup:        func(e *rtctest.Engine, _ *fakeSignaler) { e.AnswerErr = errors.New("bad fingerprint") },
			wantErr:      whep.ErrSDP,
			wantLocation: "http://server/resource/1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := rtctest.New()
			sig := okSignaler()
			tt.setup(eng, sig)
			d := newTestDriver(t, eng, sig)

			err := d.Negotiate(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Negotiate error = %v, want %v", err, tt.wantErr)
			}
			if d.State() != Failed {
				t.Errorf("State = %s, want failed", d.State())
			}
			if d.Location() != tt.wantLocation {
				t.Errorf("Location = %q, want %q", d.Location(), tt.wantLocation)
			}
			if _, err := d.Recv(context.Background()); err == nil {
				t.Error("Recv after failed negotiation should error")
			}
		})
	}
}

func TestDriverEventSequence(t *testing.T) {
	eng := rtctest.New()
	d := newTestDriver(t, eng, okSignaler())
	if err := d.Negotiate(context.Background()); err != nil {
		t.Fatal(err)
	}

	rtt := 25.0
	loss := 0.5
	eng.PushEvents(
		rtc.Event{Kind: rtc.EventPeerStats, PeerBytesRx: 1000},
		rtc.Event{Kind: rtc.EventConnected},
		rtc.Event{Kind: rtc.EventConnected},
		rtc.Event{Kind: rtc.EventIngressStats, RTT: &rtt},
		rtc.Event{Kind: rtc.EventPeerStats, PeerBytesRx: 5000, LossFraction: &loss},
		rtc.Event{Kind: rtc.EventICEStateChange, ICEState: rtc.ICEChecking},
		rtc.Event{Kind: rtc.EventICEStateChange, ICEState: rtc.ICEFailed},
	)

	ctx := context.Background()
	if ev := recvUntil(t, d, ctx); ev.Kind != EventConnected {
		t.Fatalf("first event = %s, want connected", ev.Kind)
	}
	if d.State() != Connected || d.ConnectedAt().IsZero() {
		t.Errorf("State = %s, ConnectedAt = %v", d.State(), d.ConnectedAt())
	}

	ev := recvUntil(t, d, ctx)
	if ev.Kind != EventStats {
		t.Fatalf("second event = %s, want stats", ev.Kind)
	}
	if ev.Stats.RttMs != 25 {
		t.Errorf("RttMs = %d, want 25", ev.Stats.RttMs)
	}
	if ev.Stats.Lost != 0.5 {
		t.Errorf("Lost = %v, want 0.5", ev.Stats.Lost)
	}

	if ev := recvUntil(t, d, ctx); ev.Kind != EventDisconnected {
		t.Fatalf("third event = %s, want disconnected", ev.Kind)
	}
	if d.State() != Disconnected {
		t.Errorf("State = %s, want disconnected", d.State())
	}

	ev, err := d.Recv(ctx)
	if err != nil || ev.Kind != EventDisconnected {
		t.Errorf("Recv after disconnect = %s, %v", ev.Kind, err)
	}
}

func TestDriverStatsBeforeConnectIsSuppressed(t *testing.T) {
	eng := rtctest.New()
	d := newTestDriver(t, eng, okSignaler())
	if err := d.Negotiate(context.Background()); err != nil {
		t.Fatal(err)
	}
	eng.PushEvents(rtc.Event{Kind: rtc.EventPeerStats, PeerBytesRx: 4096})

	ev, err := d.Recv(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != EventContinue {
		t.Errorf("event = %s, want continue", ev.Kind)
	}
}

func TestDriverICELossBeforeConnectFails(t *testing.T) {
	for _, state := range []rtc.ICEState{rtc.ICEDisconnected, rtc.ICEFailed, rtc.ICEClosed} {
		t.Run(state.String(), func(t *testing.T) {
			eng := rtctest.New()
			d := newTestDriver(t, eng, okSignaler())
			if err := d.Negotiate(context.Background()); err != nil {
				t.Fatal(err)
			}
			eng.PushEvents(
				rtc.Event{Kind: rtc.EventICEStateChange, ICEState: rtc.ICEChecking},
				rtc.Event{Kind: rtc.EventICEStateChange, ICEState: state},
			)

			var err error
			for range 100 {
				var ev Event
				ev, err = d.Recv(context.Background())
				if err != nil {
					break
				}
				if ev.Kind != EventContinue {
					t.Fatalf("event = %s, want an error", ev.Kind)
				}
			}
			if !errors.Is(err, whep.ErrTransport) {
				t.Fatalf("Recv error = %v, want ErrTransport", err)
			}
			if d.State() != Failed {
				t.Errorf("State = %s, want failed", d.State())
			}
			if !d.ConnectedAt().IsZero() {
				t.Error("ConnectedAt set for a session that never connected")
			}
		})
	}
}

func TestDriverRecvHonoursContext(t *testing.T) {
	eng := rtctest.New()
	d := newTestDriver(t, eng, okSignaler())
	if err := d.Negotiate(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	var err error
	for err == nil {
		_, err = d.Recv(ctx)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Recv error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Recv blocked for %v past the context deadline", elapsed)
	}
}

func TestDriverFeedsInboundDatagrams(t *testing.T) {
	eng := rtctest.New()
	d := newTestDriver(t, eng, okSignaler())
	if err := d.Negotiate(context.Background()); err != nil {
		t.Fatal(err)
	}

	peer, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()
	if _, err := peer.WriteTo([]byte("stun"), d.LocalAddr()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for len(eng.Inputs()) == 0 {
		if _, err := d.Recv(ctx); err != nil {
			t.Fatalf("Recv: %v", err)
		}
	}

	in := eng.Inputs()[0]
	if in.Kind != rtc.InputReceive {
		t.Fatalf("input kind = %v, want receive", in.Kind)
	}
	if string(in.Receive.Payload) != "stun" {
		t.Errorf("payload = %q", in.Receive.Payload)
	}
	if in.Receive.Source.String() != peer.LocalAddr().String() {
		t.Errorf("source = %v, want %v", in.Receive.Source, peer.LocalAddr())
	}
}

func TestDriverTransmits(t *testing.T) {
	eng := rtctest.New()
	d := newTestDriver(t, eng, okSignaler())
	if err := d.Negotiate(context.Background()); err != nil {
		t.Fatal(err)
	}

	peer, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()

	eng.Push(rtc.TransmitOutput(rtc.Transmit{
		Payload:     []byte("binding request"),
		Source:      d.LocalAddr(),
		Destination: peer.LocalAddr(),
	}))
	if _, err := d.Recv(context.Background()); err != nil {
		t.Fatal(err)
	}

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _, err := peer.ReadFrom(buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if string(buf[:n]) != "binding request" {
		t.Errorf("peer got %q", buf[:n])
	}
}

func TestDriverExpiredDeadlineFeedsTimeout(t *testing.T) {
	eng := rtctest.New()
	d := newTestDriver(t, eng, okSignaler())
	if err := d.Negotiate(context.Background()); err != nil {
		t.Fatal(err)
	}
	eng.Push(rtc.TimeoutOutput(time.Now().Add(-time.Second)))

	if _, err := d.Recv(context.Background()); err != nil {
		t.Fatal(err)
	}
	inputs := eng.Inputs()
	if len(inputs) != 1 || inputs[0].Kind != rtc.InputTimeout {
		t.Errorf("inputs = %+v, want one timeout", inputs)
	}
}

func TestDriverPollErrorFails(t *testing.T) {
	eng := rtctest.New()
	d := newTestDriver(t, eng, okSignaler())
	if err := d.Negotiate(context.Background()); err != nil {
		t.Fatal(err)
	}
	eng.PollErr = errors.New("dtls alert")

	if _, err := d.Recv(context.Background()); !errors.Is(err, whep.ErrTransport) {
		t.Errorf("Recv error = %v, want ErrTransport", err)
	}
	if d.State() != Failed {
		t.Errorf("State = %s, want failed", d.State())
	}
}

func TestDriverTeardownOnce(t *testing.T) {
	eng := rtctest.New()
	sig := okSignaler()
	d := newTestDriver(t, eng, sig)
	if err := d.Negotiate(context.Background()); err != nil {
		t.Fatal(err)
	}

	for range 3 {
		if err := d.Teardown(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if got := sig.Teardowns(); len(got) != 1 || got[0] != sig.location {
		t.Errorf("teardowns = %q, want one for %q", got, sig.location)
	}
	if d.Location() != "" {
		t.Errorf("Location after teardown = %q", d.Location())
	}
}

func TestDriverTeardownWithoutLocation(t *testing.T) {
	eng := rtctest.New()
	sig := &fakeSignaler{err: whep.ErrServer}
	d := newTestDriver(t, eng, sig)

	if err := d.Negotiate(context.Background()); err == nil {
		t.Fatal("expected negotiation failure")
	}
	if err := d.Teardown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := sig.Teardowns(); len(got) != 0 {
		t.Errorf("teardowns = %q, want none", got)
	}
}

func TestDriverClose(t *testing.T) {
	eng := rtctest.New()
	d := newTestDriver(t, eng, okSignaler())
	if err := d.Negotiate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !eng.Closed() {
		t.Error("engine was not closed")
	}
}

func TestDialer(t *testing.T) {
	var gotID int
	eng := rtctest.New()
	dialer := &Dialer{
		Signaling:   okSignaler(),
		BindAddress: "127.0.0.1",
		NewEngine: func(id int, conn net.PacketConn) (rtc.Engine, error) {
			gotID = id
			return eng, nil
		},
	}
	d, err := dialer.Dial(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if gotID != 7 || d.ID() != 7 {
		t.Errorf("id = %d / %d, want 7", gotID, d.ID())
	}
	if ip := d.LocalAddr().(*net.UDPAddr).IP; !ip.IsLoopback() {
		t.Errorf("bound to %v, want loopback", ip)
	}

	failing := &Dialer{
		BindAddress: "127.0.0.1",
		NewEngine: func(int, net.PacketConn) (rtc.Engine, error) {
			return nil, errors.New("no engine")
		},
	}
	if _, err := failing.Dial(context.Background(), 1); !errors.Is(err, whep.ErrTransport) {
		t.Errorf("Dial error = %v, want ErrTransport", err)
	}
}
