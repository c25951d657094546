// Package tracker implements the rendezvous broker.
//
// The tracker accepts connections from servers and clients, runs one reader
// task per connection and keeps a registry of the role each connection
// announced. A client search is broadcast to every registered server; the
// matches that arrive within the aggregation window are reported back to the
// client as one result.
package tracker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/rendezvous/internal/telemetry"
	"github.com/ryandielhenn/rendezvous/pkg/frame"
	"github.com/ryandielhenn/rendezvous/pkg/match"
	"github.com/ryandielhenn/rendezvous/pkg/registry"
	"github.com/ryandielhenn/rendezvous/pkg/wire"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = "localhost:8080"

// Tracker is the rendezvous broker.
type Tracker struct {
	name         string
	addr         string
	poll         time.Duration
	writeTimeout time.Duration
	log          *zap.Logger
	matchOpts    []match.Option

	// mu guards reg and match.
	mu    sync.Mutex
	reg   *registry.Registry
	match *match.Coordinator

	ln       net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	group    errgroup.Group
	stopOnce sync.Once
	stopErr  error
}

// Option configures a Tracker.
type Option func(*Tracker) error

// WithName sets the name used in logs and discovery.
func WithName(name string) Option {
	return func(t *Tracker) error {
		if name == "" {
			return errors.New("empty tracker name")
		}
		t.name = name
		return nil
	}
}

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(t *Tracker) error {
		t.addr = addr
		return nil
	}
}

// WithPollInterval bounds each blocking read so that shutdown is observed.
func WithPollInterval(d time.Duration) Option {
	return func(t *Tracker) error {
		if d <= 0 {
			return errors.Errorf("poll interval must be positive, got %s", d)
		}
		t.poll = d
		return nil
	}
}

// WithWriteTimeout bounds each send to a peer.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Tracker) error {
		t.writeTimeout = d
		return nil
	}
}

// WithWindow sets the match aggregation window.
func WithWindow(d time.Duration) Option {
	return func(t *Tracker) error {
		if d <= 0 {
			return errors.Errorf("window must be positive, got %s", d)
		}
		t.matchOpts = append(t.matchOpts, match.WithWindow(d))
		return nil
	}
}

// WithClock sets the clock driving aggregation windows.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) error {
		t.matchOpts = append(t.matchOpts, match.WithClock(c))
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) error {
		t.log = l
		return nil
	}
}

// New creates a Tracker. Call Start to begin accepting connections.
func New(opts ...Option) (*Tracker, error) {
	t := &Tracker{
		name:         "Tracker",
		addr:         DefaultAddr,
		poll:         frame.DefaultPollInterval,
		writeTimeout: wire.DefaultWriteTimeout,
		log:          zap.NewNop(),
		reg:          registry.New(),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, errors.Wrap(err, "apply Tracker option failed")
		}
	}
	t.log = t.log.Named("tracker").With(zap.String("name", t.name))
	t.match = match.New(&t.mu, append(t.matchOpts, match.WithLogger(t.log))...)
	return t, nil
}

// Name returns the tracker name.
func (t *Tracker) Name() string {
	return t.name
}

// Start binds the listen address and starts the accept loop. Bind failures
// are returned; everything after that runs in the background until Shutdown.
func (t *Tracker) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s failed", t.addr)
	}
	t.ln = ln
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.log.Info("listening", zap.Stringer("addr", ln.Addr()), zap.Duration("window", t.match.Window()))
	t.group.Go(t.acceptLoop)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (t *Tracker) Addr() net.Addr {
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *Tracker) acceptLoop() error {
	for {
		nc, err := t.ln.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.log.Warn("accept failed", zap.Error(err))
			continue
		}
		t.serve(nc)
	}
}

func (t *Tracker) serve(nc net.Conn) {
	c := wire.NewConn(nc, t.writeTimeout)
	t.mu.Lock()
	added := t.reg.Add(c)
	t.mu.Unlock()
	if !added {
		t.log.Warn("duplicate peer identity", zap.String("peer", c.ID()))
		_ = nc.Close()
		return
	}
	telemetry.Connections.WithLabelValues(registry.RoleUnknown.String()).Inc()
	l := t.log.With(zap.String("peer", c.ID()))
	l.Debug("connection accepted")

	d := &dispatcher{t: t, conn: c, log: l}
	t.group.Go(func() error {
		if err := frame.Pump(t.ctx, c, t.poll, d.handleFrame); err != nil {
			l.Warn("connection failed", zap.Error(err))
		}
		t.drop(c)
		l.Debug("connection closed")
		return nil
	})
}

func (t *Tracker) drop(c *wire.Conn) {
	t.mu.Lock()
	rec, ok := t.reg.Remove(c.ID())
	t.mu.Unlock()
	role := registry.RoleUnknown
	if ok {
		role = rec.Role
	}
	telemetry.Connections.WithLabelValues(role.String()).Dec()
}

func (t *Tracker) identify(c *wire.Conn, role registry.Role, name string) (registry.Record, error) {
	t.mu.Lock()
	_, known := t.reg.Lookup(c.ID())
	rec, err := t.reg.Identify(c.ID(), role, name)
	t.mu.Unlock()
	if err == nil && !known {
		telemetry.Connections.WithLabelValues(registry.RoleUnknown.String()).Dec()
		telemetry.Connections.WithLabelValues(role.String()).Inc()
	}
	return rec, err
}

func (t *Tracker) beginSearch(client *wire.Conn, value string) error {
	t.mu.Lock()
	s, err := t.match.Begin(client, value, t.reg.Servers())
	t.mu.Unlock()
	if err != nil {
		return err
	}
	msg := s.Broadcast()
	for _, e := range s.Targets() {
		if err := e.Conn.Send(msg); err != nil {
			t.log.Warn("broadcast failed", zap.String("server", e.Name), zap.Error(err))
		}
	}
	return nil
}

func (t *Tracker) collect(server *wire.Conn, payload string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.reg.Lookup(server.ID())
	if !ok {
		return 0
	}
	return t.match.Collect(rec, payload)
}

// Stats is a point-in-time view of the tracker.
type Stats struct {
	registry.Counts
	OpenSearches int `json:"open_searches"`
}

// Stats returns the current registry sizes and open searches.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Counts: t.reg.Counts(), OpenSearches: t.match.Open()}
}

// Servers returns the names of the registered servers in registration order.
func (t *Tracker) Servers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return entryNames(t.reg.Servers())
}

// Clients returns the names of the registered clients in registration order.
func (t *Tracker) Clients() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return entryNames(t.reg.Clients())
}

func entryNames(entries []registry.Entry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

// Shutdown stops accepting, waits for every connection task to observe the
// shutdown and close its stream, then discards open searches.
func (t *Tracker) Shutdown() error {
	t.stopOnce.Do(func() {
		t.log.Info("shutting down")
		if t.ln == nil {
			t.match.Close()
			return
		}
		t.cancel()
		var err error
		if cerr := t.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, errors.Wrap(cerr, "close listener failed"))
		}
		err = multierr.Append(err, t.group.Wait())
		t.match.Close()
		t.stopErr = err
	})
	return t.stopErr
}
