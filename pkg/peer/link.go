package peer

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/rendezvous/pkg/frame"
	"github.com/ryandielhenn/rendezvous/pkg/wire"
)

// State is the connection state of a peer.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// link is the tracker connection shared by Server and Client.
type link struct {
	name  string
	opts  options
	log   *zap.Logger
	state atomic.Int32

	mu     sync.Mutex
	conn   *wire.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *link) init(name string, opts options, role string) {
	l.name = name
	l.opts = opts
	l.log = opts.log.Named(role).With(zap.String("name", name))
	l.done = make(chan struct{})
}

// Name returns the announced name.
func (l *link) Name() string {
	return l.name
}

// State returns the current connection state.
func (l *link) State() State {
	return State(l.state.Load())
}

// connect dials addr, announces the handshake and starts the reader that
// feeds d.
func (l *link) connect(ctx context.Context, addr string, hello wire.Message, d wire.Dispatcher) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil || l.State() == StateClosed {
		return ErrAlreadyConnected
	}
	dialer := net.Dialer{Timeout: l.opts.dialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "dial %s failed", addr)
	}
	conn := wire.NewConn(nc, l.opts.writeTimeout)
	l.state.Store(int32(StateConnected))

	l.state.Store(int32(StateHandshaking))
	l.log.Info("sending handshake", zap.String("verb", hello.Verb), zap.String("tracker", addr))
	if err := conn.Send(hello); err != nil {
		_ = nc.Close()
		l.state.Store(int32(StateDisconnected))
		return errors.Wrap(err, "handshake failed")
	}
	l.conn = conn
	l.state.Store(int32(StateReady))

	readCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go func() {
		defer close(l.done)
		err := frame.Pump(readCtx, conn, l.opts.poll, func(f []byte) {
			msg, err := wire.Decode(f)
			if err != nil {
				l.log.Warn("dropping frame", zap.Error(err))
				return
			}
			d.Dispatch(msg)
		})
		if err != nil {
			l.log.Warn("connection failed", zap.Error(err))
		}
		l.state.Store(int32(StateClosed))
	}()
	return nil
}

func (l *link) send(msg wire.Message) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(msg)
}

// Done is closed once the reader has exited and the socket is closed.
func (l *link) Done() <-chan struct{} {
	return l.done
}

// Shutdown closes the socket, which unblocks the reader.
func (l *link) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log.Info("shutting down")
	if l.conn == nil {
		if l.State() != StateClosed {
			l.state.Store(int32(StateClosed))
			close(l.done)
		}
		return nil
	}
	l.cancel()
	if err := l.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Wrap(err, "close connection failed")
	}
	return nil
}

// Wait blocks until the reader has exited.
func (l *link) Wait() {
	<-l.done
}
