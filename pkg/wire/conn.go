package wire

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultWriteTimeout bounds a single Send.
const DefaultWriteTimeout = 5 * time.Second

// Conn serializes message writes to a net.Conn. Reads are left to the single
// reader task that owns the connection.
type Conn struct {
	net.Conn
	id           string
	writeTimeout time.Duration
	wmu          sync.Mutex
}

// NewConn wraps nc. The peer identity is the remote address.
func NewConn(nc net.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		Conn:         nc,
		id:           nc.RemoteAddr().String(),
		writeTimeout: writeTimeout,
	}
}

// ID returns the peer identity.
func (c *Conn) ID() string {
	return c.id
}

// Send writes msg as one frame. It is safe for concurrent use.
func (c *Conn) Send(msg Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return errors.Wrap(err, "set write deadline failed")
		}
	}
	_, err := c.Write(msg.Encode())
	return errors.Wrapf(err, "send %s to %s failed", msg.Verb, c.id)
}
