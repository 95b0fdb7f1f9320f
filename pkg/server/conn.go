package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"cuacoj/classroom/pkg/proto"
)

// conn is one accepted TCP connection. id, name and info are written under
// Server.mu by the connection's own receive loop only.
type conn struct {
	nc          net.Conn
	addr        string
	connectedAt time.Time
	lastSeen    atomic.Int64

	id   string
	name string
	info proto.ClientInfo

	wmu       sync.Mutex
	closeOnce sync.Once
}

func newConn(nc net.Conn) *conn {
	c := &conn{nc: nc, addr: nc.RemoteAddr().String(), connectedAt: time.Now()}
	c.touch()
	return c
}

func (c *conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// write sends one pre-encoded frame. Writes are serialised so concurrent
// senders never interleave partial frames.
func (c *conn) write(frame []byte, timeout time.Duration) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if timeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := c.nc.Write(frame)
	return err
}

func (c *conn) close() {
	c.closeOnce.Do(func() { _ = c.nc.Close() })
}

func (c *conn) snapshot() Client {
	return Client{
		ID:          c.id,
		Name:        c.name,
		Addr:        c.addr,
		Info:        c.info,
		ConnectedAt: c.connectedAt,
		LastSeen:    time.Unix(0, c.lastSeen.Load()),
	}
}
