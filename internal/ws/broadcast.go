package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whep-bench/whepbench/internal/bench"
	"github.com/whep-bench/whepbench/internal/session"
	"github.com/whep-bench/whepbench/internal/sysmon"
)

var ErrTooManyConnections = errors.New("too many websocket connections")

const writeWait = 5 * time.Second

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

// Broadcaster fans session state out to WebSocket clients. It is a
// bench.Observer and must be dispatched after the observer that updates the
// store, so deltas carry the post-event state.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int

	store            *session.Store
	throttle         time.Duration
	snapshotInterval time.Duration
	logger           *slog.Logger
	seq              atomic.Uint64

	flushMu        sync.Mutex
	pendingUpdates map[int]bool
	flushTimer     *time.Timer
	stopped        bool
}

func NewBroadcaster(store *session.Store, throttle, snapshotInterval time.Duration, maxConns int, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		clients:          make(map[*client]bool),
		maxConns:         maxConns,
		store:            store,
		throttle:         throttle,
		snapshotInterval: snapshotInterval,
		logger:           logger,
		pendingUpdates:   make(map[int]bool),
	}
}

// Run sends a full snapshot every snapshot interval until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	if b.snapshotInterval <= 0 {
		return
	}
	ticker := time.NewTicker(b.snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.broadcast(MsgSnapshot, SnapshotPayload{Sessions: b.store.GetAll()})
		}
	}
}

// AddClient registers conn and queues the current snapshot for it.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, 64),
	}

	if data, err := b.encode(MsgSnapshot, SnapshotPayload{Sessions: b.store.GetAll()}); err == nil {
		c.send <- data
	}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	b.mu.Unlock()

	go c.writePump()
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) Observe(ev bench.Event) {
	b.QueueUpdate(ev.SessionID)
	if ev.Kind != bench.EventDisconnected {
		return
	}
	p := CompletionPayload{SessionID: ev.SessionID, State: session.Disconnected}
	if st, ok := b.store.Get(ev.SessionID); ok {
		p.State = st.State
		p.Error = st.Error
		p.ErrorClass = st.ErrorClass
	}
	b.broadcast(MsgCompletion, p)
}

// QueueUpdate marks a session as changed. Changes are coalesced and sent
// as one delta per throttle window.
func (b *Broadcaster) QueueUpdate(id int) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	if b.stopped {
		return
	}
	b.pendingUpdates[id] = true
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

// PublishSysmon sends a harness resource sample to every client.
func (b *Broadcaster) PublishSysmon(s sysmon.Sample) {
	b.broadcast(MsgSysmon, SysmonPayload(s))
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	ids := b.pendingUpdates
	b.pendingUpdates = make(map[int]bool)
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(ids) == 0 {
		return
	}
	updates := make([]*session.SessionState, 0, len(ids))
	for _, st := range b.store.GetAll() {
		if ids[st.ID] {
			updates = append(updates, st)
		}
	}
	if len(updates) == 0 {
		return
	}
	b.broadcast(MsgDelta, DeltaPayload{Updates: updates})
}

// Stop flushes pending deltas and disconnects every client.
func (b *Broadcaster) Stop() {
	b.flushMu.Lock()
	b.stopped = true
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.flushMu.Unlock()
	b.flush()

	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) encode(t MessageType, payload interface{}) ([]byte, error) {
	return json.Marshal(WSMessage{Type: t, Seq: b.seq.Add(1), Payload: payload})
}

func (b *Broadcaster) broadcast(t MessageType, payload interface{}) {
	data, err := b.encode(t, payload)
	if err != nil {
		b.logger.Error("broadcast marshal", "type", t, "error", err)
		return
	}

	// Sends happen under the read lock so RemoveClient cannot close a
	// channel mid-send.
	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.logger.Warn("ws client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
		b.RemoveClient(c)
	}
}
