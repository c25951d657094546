// Package match aggregates server replies to a broadcast search within a
// fixed window and reports the result to the client that asked.
//
// Sessions are keyed by the identity of the originating client, so distinct
// clients may search concurrently while each client has at most one open
// window. A session only credits servers that were registered when its
// query was broadcast.
package match

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/rendezvous/internal/telemetry"
	"github.com/ryandielhenn/rendezvous/pkg/registry"
	"github.com/ryandielhenn/rendezvous/pkg/wire"
)

// DefaultWindow is how long a session collects matches.
const DefaultWindow = 2 * time.Second

var (
	// ErrSearchInProgress is returned when a client searches while its previous window is open.
	ErrSearchInProgress = errors.New("search already in progress")
	// ErrClosed is returned by Begin after Close.
	ErrClosed = errors.New("coordinator closed")
)

// Session is one in-flight search.
type Session struct {
	ID       uuid.UUID
	Value    string
	Client   registry.Conn
	Deadline time.Time

	targets []registry.Entry
	sent    map[string]struct{} // server identities the query went to
	names   []string
	seen    map[string]struct{}
	timer   *clock.Timer
}

// Targets returns the servers the query must be broadcast to.
func (s *Session) Targets() []registry.Entry {
	return s.targets
}

// Broadcast is the message to send to every target.
func (s *Session) Broadcast() wire.Message {
	return wire.Message{Verb: wire.VerbSearch, Payload: s.Value}
}

// Coordinator owns the open sessions. Begin, Collect and Open must be called
// with the shared lock held; timers take the lock themselves.
type Coordinator struct {
	mu       sync.Locker
	clock    clock.Clock
	window   time.Duration
	log      *zap.Logger
	sessions map[string]*Session // client identity -> session
	closed   bool
	wg       sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for aggregation windows.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) {
		co.clock = c
	}
}

// WithWindow sets the aggregation window.
func WithWindow(d time.Duration) Option {
	return func(co *Coordinator) {
		if d > 0 {
			co.window = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(co *Coordinator) {
		co.log = l.Named("match")
	}
}

// New creates a Coordinator guarded by mu.
func New(mu sync.Locker, opts ...Option) *Coordinator {
	co := &Coordinator{
		mu:       mu,
		clock:    clock.New(),
		window:   DefaultWindow,
		log:      zap.NewNop(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// Window returns the aggregation window.
func (co *Coordinator) Window() time.Duration {
	return co.window
}

// Begin opens a session for client and schedules its result. The caller
// sends s.Broadcast() to s.Targets() after releasing the lock.
func (co *Coordinator) Begin(client registry.Conn, value string, servers []registry.Entry) (*Session, error) {
	if co.closed {
		return nil, ErrClosed
	}
	if _, ok := co.sessions[client.ID()]; ok {
		telemetry.SearchesTotal.WithLabelValues(telemetry.OutcomeRejected).Inc()
		return nil, errors.Wrapf(ErrSearchInProgress, "client %s", client.ID())
	}
	s := &Session{
		ID:       uuid.New(),
		Value:    value,
		Client:   client,
		Deadline: co.clock.Now().Add(co.window),
		targets:  servers,
		sent:     make(map[string]struct{}, len(servers)),
		seen:     make(map[string]struct{}, len(servers)),
	}
	for _, e := range servers {
		s.sent[e.ID] = struct{}{}
	}
	co.sessions[client.ID()] = s
	co.wg.Add(1)
	s.timer = co.clock.AfterFunc(co.window, func() { co.expire(s) })
	telemetry.OpenSearches.Inc()
	co.log.Debug("session opened",
		zap.Stringer("session", s.ID),
		zap.String("client", client.ID()),
		zap.String("value", value),
		zap.Int("targets", len(servers)),
		zap.Time("deadline", s.Deadline),
	)
	return s, nil
}

// Collect credits server with a match reply carrying payload. An empty
// payload matches any open session that was broadcast to server; otherwise
// the payload must equal the session's query. It returns the number of
// sessions credited.
func (co *Coordinator) Collect(server registry.Record, payload string) int {
	n := 0
	for _, s := range co.sessions {
		if _, ok := s.sent[server.ID]; !ok {
			continue
		}
		if payload != "" && payload != s.Value {
			continue
		}
		if _, dup := s.seen[server.ID]; dup {
			continue
		}
		s.seen[server.ID] = struct{}{}
		s.names = append(s.names, server.Name)
		n++
	}
	return n
}

// Open returns the number of open sessions.
func (co *Coordinator) Open() int {
	return len(co.sessions)
}

func (co *Coordinator) expire(s *Session) {
	defer co.wg.Done()
	co.mu.Lock()
	if cur, ok := co.sessions[s.Client.ID()]; !ok || cur != s {
		co.mu.Unlock()
		return
	}
	delete(co.sessions, s.Client.ID())
	names := s.names
	co.mu.Unlock()

	telemetry.OpenSearches.Dec()
	telemetry.ObserveResult(len(names))
	l := co.log.With(zap.Stringer("session", s.ID), zap.String("client", s.Client.ID()))
	if err := s.Client.Send(wire.Message{Verb: wire.VerbResult, Payload: wire.JoinNames(names)}); err != nil {
		l.Warn("send result failed", zap.Error(err))
		return
	}
	l.Debug("result sent", zap.Strings("servers", names))
}

// Close discards open sessions without reporting them and waits for results
// already being delivered. The caller must not hold the lock.
func (co *Coordinator) Close() {
	co.mu.Lock()
	co.closed = true
	for id, s := range co.sessions {
		if s.timer.Stop() {
			co.wg.Done()
		}
		delete(co.sessions, id)
		telemetry.OpenSearches.Dec()
	}
	co.mu.Unlock()
	co.wg.Wait()
}
