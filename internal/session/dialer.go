package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/whep-bench/whepbench/internal/rtc"
	"github.com/whep-bench/whepbench/internal/whep"
)

// EngineFactory creates a transport engine bound to a session's local socket.
// The engine reads and writes through the driver only; conn is passed so the
// engine can advertise the right host candidates.
type EngineFactory func(id int, conn net.PacketConn) (rtc.Engine, error)

// Dialer builds ready-to-negotiate drivers: one UDP socket and one engine per
// session, sharing a single signaling client.
type Dialer struct {
	Signaling   Signaler
	NewEngine   EngineFactory
	BindAddress string
	Logger      *slog.Logger
}

// Dial binds a fresh socket and engine for session id.
func (d *Dialer) Dial(ctx context.Context, id int) (*Driver, error) {
	host := d.BindAddress
	if host == "" {
		host = "0.0.0.0"
	}
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("%w: bind udp socket: %w", whep.ErrNetwork, err)
	}

	engine, err := d.NewEngine(id, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: create engine: %w", whep.ErrTransport, err)
	}

	return NewDriver(Config{
		ID:        id,
		Engine:    engine,
		Conn:      conn,
		Signaling: d.Signaling,
		Logger:    d.Logger,
	}), nil
}
