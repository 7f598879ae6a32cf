package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whep-bench/whepbench/internal/bench"
	"github.com/whep-bench/whepbench/internal/session"
	"github.com/whep-bench/whepbench/internal/whep"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// dialTestWS creates a test HTTP server that upgrades to WebSocket and returns
// the server-side connection along with the client side.
func dialTestWS(t *testing.T) (*httptest.Server, *websocket.Conn, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}

	select {
	case serverConn := <-connCh:
		t.Cleanup(func() {
			clientConn.Close()
			srv.Close()
		})
		return srv, serverConn, clientConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil, nil
	}
}

type rawMessage struct {
	Type    MessageType     `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

func readMessage(t *testing.T, conn *websocket.Conn) rawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m rawMessage
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func TestAddClientSendsSnapshot(t *testing.T) {
	store := session.NewStore()
	store.Starting(7, time.Now())
	b := NewBroadcaster(store, time.Hour, 0, 0, quietLogger)
	defer b.Stop()

	_, serverConn, clientConn := dialTestWS(t)
	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatal(err)
	}

	m := readMessage(t, clientConn)
	if m.Type != MsgSnapshot {
		t.Fatalf("first message type = %q, want snapshot", m.Type)
	}
	var p SnapshotPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Sessions) != 1 || p.Sessions[0].ID != 7 {
		t.Errorf("snapshot sessions = %+v", p.Sessions)
	}
}

func TestAddClientMaxConnections(t *testing.T) {
	const maxConns = 2
	b := NewBroadcaster(session.NewStore(), time.Hour, 0, maxConns, quietLogger)
	defer b.Stop()

	var clients []*client
	for i := 0; i < maxConns; i++ {
		_, conn, _ := dialTestWS(t)
		c, err := b.AddClient(conn)
		if err != nil {
			t.Fatalf("AddClient[%d]: %v", i, err)
		}
		clients = append(clients, c)
	}

	_, conn, _ := dialTestWS(t)
	if _, err := b.AddClient(conn); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("expected ErrTooManyConnections, got %v", err)
	}
	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients after rejection, got %d", maxConns, got)
	}

	b.RemoveClient(clients[0])
	b.RemoveClient(clients[0])

	_, conn2, _ := dialTestWS(t)
	if _, err := b.AddClient(conn2); err != nil {
		t.Fatalf("AddClient after removal: %v", err)
	}
	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients after re-add, got %d", maxConns, got)
	}
}

func TestWritePumpRemovesClientOnWriteError(t *testing.T) {
	_, serverConn, _ := dialTestWS(t)

	b := NewBroadcaster(session.NewStore(), time.Hour, 0, 0, quietLogger)
	defer b.Stop()

	c := &client{
		conn: serverConn,
		b:    b,
		send: make(chan []byte, 64),
	}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	serverConn.Close()
	c.send <- []byte(`{"type":"test"}`)
	go c.writePump()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.ClientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client not removed after write error; ClientCount = %d", b.ClientCount())
}

func TestBroadcastDropsSlowClient(t *testing.T) {
	b := NewBroadcaster(session.NewStore(), time.Hour, 0, 0, quietLogger)
	defer b.Stop()

	_, serverConn, _ := dialTestWS(t)
	// No write pump, so the buffer fills.
	c := &client{conn: serverConn, b: b, send: make(chan []byte, 1)}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	b.broadcast(MsgSysmon, SysmonPayload{})
	if got := b.ClientCount(); got != 1 {
		t.Fatalf("client dropped too early, count = %d", got)
	}
	b.broadcast(MsgSysmon, SysmonPayload{})
	if got := b.ClientCount(); got != 0 {
		t.Fatalf("slow client not dropped, count = %d", got)
	}
}

func TestSequenceNumbersIncrease(t *testing.T) {
	b := NewBroadcaster(session.NewStore(), time.Hour, 0, 0, quietLogger)
	defer b.Stop()

	var last uint64
	for i := 0; i < 5; i++ {
		data, err := b.encode(MsgSysmon, SysmonPayload{})
		if err != nil {
			t.Fatal(err)
		}
		var m rawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatal(err)
		}
		if m.Seq != last+1 {
			t.Errorf("seq = %d, want %d", m.Seq, last+1)
		}
		last = m.Seq
	}
}

func TestObserveSendsDeltaAndCompletion(t *testing.T) {
	store := session.NewStore()
	b := NewBroadcaster(store, 20*time.Millisecond, 0, 0, quietLogger)
	defer b.Stop()

	_, serverConn, clientConn := dialTestWS(t)
	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatal(err)
	}
	if m := readMessage(t, clientConn); m.Type != MsgSnapshot {
		t.Fatalf("first message = %q", m.Type)
	}

	record := bench.RecordTo(store)
	events := []bench.Event{
		bench.Connecting(3),
		bench.Connected(3),
		bench.Disconnected(3, fmt.Errorf("%w: ice failed", whep.ErrTransport)),
	}
	for _, ev := range events {
		record.Observe(ev)
		b.Observe(ev)
	}

	var completion *CompletionPayload
	var delta *DeltaPayload
	for completion == nil || delta == nil {
		m := readMessage(t, clientConn)
		switch m.Type {
		case MsgCompletion:
			completion = &CompletionPayload{}
			if err := json.Unmarshal(m.Payload, completion); err != nil {
				t.Fatal(err)
			}
		case MsgDelta:
			delta = &DeltaPayload{}
			if err := json.Unmarshal(m.Payload, delta); err != nil {
				t.Fatal(err)
			}
		}
	}

	if completion.SessionID != 3 || completion.State != session.Failed || completion.ErrorClass != "transport" {
		t.Errorf("completion = %+v", completion)
	}
	if len(delta.Updates) != 1 || delta.Updates[0].ID != 3 || delta.Updates[0].State != session.Failed {
		t.Errorf("delta = %+v, want one coalesced update for session 3", delta.Updates)
	}
}

func TestStopClosesClients(t *testing.T) {
	b := NewBroadcaster(session.NewStore(), time.Hour, 0, 0, quietLogger)
	_, serverConn, _ := dialTestWS(t)
	if _, err := b.AddClient(serverConn); err != nil {
		t.Fatal(err)
	}
	b.Stop()
	if got := b.ClientCount(); got != 0 {
		t.Errorf("ClientCount after Stop = %d", got)
	}
	b.QueueUpdate(1)
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	if b.flushTimer != nil {
		t.Error("update queued after Stop")
	}
}
