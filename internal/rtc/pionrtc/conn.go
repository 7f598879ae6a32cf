package pionrtc

import (
	"net"
	"sync"
	"time"
)

const inboundQueue = 256

type packet struct {
	payload []byte
	from    net.Addr
}

// packetConn is the socket pion's UDP mux sees. Nothing touches the network:
// writes are handed to onWrite and reads are served from deliver.
type packetConn struct {
	local   net.Addr
	onWrite func(payload []byte, to net.Addr)

	in        chan packet
	closed    chan struct{}
	closeOnce sync.Once
}

func newPacketConn(local net.Addr, onWrite func([]byte, net.Addr)) *packetConn {
	return &packetConn{
		local:   local,
		onWrite: onWrite,
		in:      make(chan packet, inboundQueue),
		closed:  make(chan struct{}),
	}
}

// deliver queues an inbound datagram. It reports false when the datagram was
// dropped because the queue is full or the conn is closed.
func (c *packetConn) deliver(payload []byte, from net.Addr) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.in <- packet{payload: payload, from: from}:
		return true
	default:
		return false
	}
}

func (c *packetConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case pkt := <-c.in:
		return copy(p, pkt.payload), pkt.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *packetConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	c.onWrite(buf, addr)
	return len(p), nil
}

func (c *packetConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *packetConn) LocalAddr() net.Addr { return c.local }

func (c *packetConn) SetDeadline(time.Time) error      { return nil }
func (c *packetConn) SetReadDeadline(time.Time) error  { return nil }
func (c *packetConn) SetWriteDeadline(time.Time) error { return nil }
