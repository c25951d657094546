package tracker

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/rendezvous/internal/telemetry"
	"github.com/ryandielhenn/rendezvous/pkg/frame"
	"github.com/ryandielhenn/rendezvous/pkg/peer"
	"github.com/ryandielhenn/rendezvous/pkg/wire"
)

const poll = 10 * time.Millisecond

func startTracker(t *testing.T, opts ...Option) *Tracker {
	t.Helper()
	tr, err := New(append([]Option{
		WithAddr("127.0.0.1:0"),
		WithPollInterval(poll),
		WithLogger(zaptest.NewLogger(t)),
	}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, tr.Shutdown()) })
	return tr
}

// rawPeer speaks the wire protocol directly.
type rawPeer struct {
	t    *testing.T
	conn net.Conn
	r    *frame.Reader
}

func dialRaw(t *testing.T, tr *Tracker) *rawPeer {
	t.Helper()
	conn, err := net.Dial("tcp", tr.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &rawPeer{t: t, conn: conn, r: frame.NewReader(conn, poll)}
}

func (p *rawPeer) send(verb, payload string) {
	p.t.Helper()
	_, err := p.conn.Write(wire.Encode(verb, payload))
	require.NoError(p.t, err)
}

func (p *rawPeer) next() wire.Message {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := p.r.Next(ctx)
	require.NoError(p.t, err)
	msg, err := wire.Decode(b)
	require.NoError(p.t, err)
	return msg
}

func (p *rawPeer) expectSilence(d time.Duration) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	b, err := p.r.Next(ctx)
	require.ErrorIs(p.t, err, context.DeadlineExceeded, "unexpected frame %q", b)
}

// sync blocks until the tracker has processed everything p sent so far.
// Frames on one connection are handled in order, so once a trailing
// malformed frame has been counted the earlier ones are done.
func (p *rawPeer) sync() {
	p.t.Helper()
	before := malformed(p.t)
	_, err := p.conn.Write([]byte("SYNC\x00"))
	require.NoError(p.t, err)
	require.Eventually(p.t, func() bool { return malformed(p.t) > before }, 2*time.Second, time.Millisecond)
}

func malformed(t *testing.T) float64 {
	var m dto.Metric
	require.NoError(t, telemetry.MalformedTotal.Write(&m))
	return m.GetCounter().GetValue()
}

func waitStats(t *testing.T, tr *Tracker, servers, clients int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := tr.Stats()
		return s.Servers == servers && s.Clients == clients
	}, 2*time.Second, time.Millisecond, "stats: %+v", tr.Stats())
}

func TestEndToEnd(t *testing.T) {
	tr := startTracker(t, WithWindow(200*time.Millisecond))
	addr := tr.Addr().String()
	ctx := context.Background()
	popts := []peer.Option{peer.WithPollInterval(poll), peer.WithLogger(zaptest.NewLogger(t))}

	var servers []*peer.Server
	for i, secret := range []int{4, 7, 4} {
		s, err := peer.NewServer("S"+string(rune('1'+i)), append(popts, peer.WithSecret(secret))...)
		require.NoError(t, err)
		require.NoError(t, s.Connect(ctx, addr))
		servers = append(servers, s)
	}
	c, err := peer.NewClient("C1", popts...)
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx, addr))
	waitStats(t, tr, 3, 1)
	require.Equal(t, []string{"S1", "S2", "S3"}, tr.Servers())

	r, err := c.SearchValue(ctx, 4)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"S1", "S3"}, r.Servers)

	r, err = c.SearchValue(ctx, 9)
	require.NoError(t, err)
	require.False(t, r.Matched())

	r, err = c.SearchValue(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, []string{"S2"}, r.Servers)

	for _, s := range servers {
		require.NoError(t, s.Shutdown())
	}
	require.NoError(t, c.Shutdown())
	for _, s := range servers {
		s.Wait()
	}
	c.Wait()
	require.Eventually(t, func() bool { return tr.Stats().Connections == 0 }, 2*time.Second, time.Millisecond)
}

func TestConcurrentClientsGetOwnResults(t *testing.T) {
	tr := startTracker(t, WithWindow(200*time.Millisecond))
	addr := tr.Addr().String()
	ctx := context.Background()
	popts := []peer.Option{peer.WithPollInterval(poll), peer.WithLogger(zaptest.NewLogger(t))}

	for i, secret := range []int{1, 2} {
		s, err := peer.NewServer("S"+string(rune('1'+i)), append(popts, peer.WithSecret(secret))...)
		require.NoError(t, err)
		require.NoError(t, s.Connect(ctx, addr))
		t.Cleanup(func() { _ = s.Shutdown(); s.Wait() })
	}
	clients := make([]*peer.Client, 2)
	for i := range clients {
		c, err := peer.NewClient("C"+string(rune('1'+i)), popts...)
		require.NoError(t, err)
		require.NoError(t, c.Connect(ctx, addr))
		t.Cleanup(func() { _ = c.Shutdown(); c.Wait() })
		clients[i] = c
	}
	waitStats(t, tr, 2, 2)

	type outcome struct {
		r   peer.Result
		err error
	}
	results := make(chan outcome, 2)
	for i, c := range clients {
		go func() {
			r, err := c.SearchValue(ctx, i+1)
			results <- outcome{r, err}
		}()
	}
	got := map[int][]string{}
	for range clients {
		o := <-results
		require.NoError(t, o.err)
		got[o.r.Value] = o.r.Servers
	}
	require.Equal(t, map[int][]string{1: {"S1"}, 2: {"S2"}}, got)
}

func TestDispatchStateMachine(t *testing.T) {
	mock := clock.NewMock()
	tr := startTracker(t, WithClock(mock))

	stranger := dialRaw(t, tr)
	stranger.send(wire.VerbSearch, "4")
	stranger.send(wire.VerbMatch, "4")
	stranger.sync()
	require.Equal(t, 0, tr.Stats().OpenSearches)

	server := dialRaw(t, tr)
	server.send(wire.VerbHello, "S0")
	server.send(wire.VerbHello, "S1")
	server.send(wire.VerbHi, "not-a-client")
	server.send(wire.VerbSearch, "4")
	server.sync()

	client := dialRaw(t, tr)
	client.send(wire.VerbHi, "C1")
	client.send(wire.VerbHello, "not-a-server")
	client.send(wire.VerbMatch, "")
	client.sync()

	s := tr.Stats()
	require.Equal(t, 1, s.Servers)
	require.Equal(t, 1, s.Clients)
	require.Equal(t, 3, s.Connections)
	require.Equal(t, 0, s.OpenSearches)
	require.Equal(t, []string{"S1"}, tr.Servers())

	stranger.expectSilence(50 * time.Millisecond)
	server.expectSilence(10 * time.Millisecond)
}

func TestMatchAggregationWindow(t *testing.T) {
	mock := clock.NewMock()
	tr := startTracker(t, WithClock(mock))

	s1, s2 := dialRaw(t, tr), dialRaw(t, tr)
	s1.send(wire.VerbHello, "S1")
	s2.send(wire.VerbHello, "S2")
	client := dialRaw(t, tr)
	client.send(wire.VerbHi, "C1")
	waitStats(t, tr, 2, 1)

	client.send(wire.VerbSearch, "4")
	require.Equal(t, wire.Message{Verb: wire.VerbSearch, Payload: "4"}, s1.next())
	require.Equal(t, wire.Message{Verb: wire.VerbSearch, Payload: "4"}, s2.next())

	late := dialRaw(t, tr)
	late.send(wire.VerbHello, "S3")
	waitStats(t, tr, 3, 1)
	late.send(wire.VerbMatch, "4")
	late.sync()

	s2.send(wire.VerbMatch, "4")
	s2.sync()
	s1.send(wire.VerbMatch, "")
	s1.sync()

	mock.Add(2 * time.Second)
	require.Equal(t, wire.Message{Verb: wire.VerbResult, Payload: "S2 S1"}, client.next())
	require.Eventually(t, func() bool { return tr.Stats().OpenSearches == 0 }, 2*time.Second, time.Millisecond)

	// a reply after the window closed does not leak into the next search
	s1.send(wire.VerbMatch, "4")
	s1.sync()
	client.send(wire.VerbSearch, "9")
	for _, s := range []*rawPeer{s1, s2, late} {
		require.Equal(t, "9", s.next().Payload)
	}
	s1.send(wire.VerbMatch, "4")
	s1.sync()
	mock.Add(2 * time.Second)
	require.Equal(t, wire.Message{Verb: wire.VerbResult, Payload: ""}, client.next())
}

func TestBareMatchCredited(t *testing.T) {
	mock := clock.NewMock()
	tr := startTracker(t, WithClock(mock))
	s1, s2 := dialRaw(t, tr), dialRaw(t, tr)
	s1.send(wire.VerbHello, "S1")
	s2.send(wire.VerbHello, "S2")
	client := dialRaw(t, tr)
	client.send(wire.VerbHi, "C1")
	waitStats(t, tr, 2, 1)

	client.send(wire.VerbSearch, "6")
	require.Equal(t, "6", s1.next().Payload)
	require.Equal(t, "6", s2.next().Payload)

	// servers that predate the value echo send an empty payload
	_, err := s2.conn.Write([]byte("MTCH \x00"))
	require.NoError(t, err)
	s2.sync()
	_, err = s1.conn.Write([]byte("MTCH \x00"))
	require.NoError(t, err)
	s1.sync()

	mock.Add(2 * time.Second)
	require.Equal(t, wire.Message{Verb: wire.VerbResult, Payload: "S2 S1"}, client.next())
}

func TestAbandonedSearchResultIsNotReused(t *testing.T) {
	tr := startTracker(t, WithWindow(400*time.Millisecond))
	addr := tr.Addr().String()
	ctx := context.Background()
	popts := []peer.Option{peer.WithPollInterval(poll), peer.WithLogger(zaptest.NewLogger(t))}

	s, err := peer.NewServer("S1", append(popts, peer.WithSecret(4))...)
	require.NoError(t, err)
	require.NoError(t, s.Connect(ctx, addr))
	t.Cleanup(func() { _ = s.Shutdown(); s.Wait() })

	// the client is told a shorter window than the tracker uses, so its
	// first search gives up before the result is sent
	c, err := peer.NewClient("C1", append(popts,
		peer.WithTrackerWindow(100*time.Millisecond),
		peer.WithSearchTimeout(250*time.Millisecond),
	)...)
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx, addr))
	t.Cleanup(func() { _ = c.Shutdown(); c.Wait() })
	waitStats(t, tr, 1, 1)

	_, err = c.SearchValue(ctx, 4)
	require.ErrorIs(t, err, peer.ErrSearchTimeout)

	r, err := c.SearchValue(ctx, 9)
	if err != nil {
		require.ErrorIs(t, err, peer.ErrSearchTimeout)
	} else {
		require.Empty(t, r.Servers)
	}
	for _, r := range c.Results() {
		if r.Value == 9 {
			require.Empty(t, r.Servers)
		}
	}
}

func TestSecondSearchWhileOpenIsRejected(t *testing.T) {
	mock := clock.NewMock()
	tr := startTracker(t, WithClock(mock))
	server := dialRaw(t, tr)
	server.send(wire.VerbHello, "S1")
	client := dialRaw(t, tr)
	client.send(wire.VerbHi, "C1")
	waitStats(t, tr, 1, 1)

	client.send(wire.VerbSearch, "1")
	client.send(wire.VerbSearch, "2")
	client.sync()
	require.Equal(t, "1", server.next().Payload)
	server.expectSilence(20 * time.Millisecond)

	server.send(wire.VerbMatch, "1")
	server.sync()
	mock.Add(2 * time.Second)
	require.Equal(t, "S1", client.next().Payload)
	client.expectSilence(20 * time.Millisecond)
}

func TestClientGoneBeforeDeadline(t *testing.T) {
	mock := clock.NewMock()
	tr := startTracker(t, WithClock(mock))
	client := dialRaw(t, tr)
	client.send(wire.VerbHi, "C1")
	waitStats(t, tr, 0, 1)
	client.send(wire.VerbSearch, "3")
	client.sync()
	require.Equal(t, 1, tr.Stats().OpenSearches)

	require.NoError(t, client.conn.Close())
	require.Eventually(t, func() bool { return tr.Stats().Connections == 0 }, 2*time.Second, time.Millisecond)
	mock.Add(2 * time.Second)
	require.Eventually(t, func() bool { return tr.Stats().OpenSearches == 0 }, 2*time.Second, time.Millisecond)
}

func TestShutdownClosesConnections(t *testing.T) {
	tr, err := New(WithAddr("127.0.0.1:0"), WithPollInterval(poll), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))

	peers := []*rawPeer{dialRaw(t, tr), dialRaw(t, tr)}
	peers[0].send(wire.VerbHello, "S1")
	peers[1].send(wire.VerbHi, "C1")
	waitStats(t, tr, 1, 1)

	done := make(chan error, 1)
	go func() { done <- tr.Shutdown() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not return")
	}
	for _, p := range peers {
		require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, err := p.conn.Read(make([]byte, 1))
		require.ErrorIs(t, err, io.EOF)
	}
	require.Equal(t, Stats{}, tr.Stats())

	_, err = net.DialTimeout("tcp", tr.Addr().String(), 200*time.Millisecond)
	require.Error(t, err)
	require.NoError(t, tr.Shutdown())
}

func TestStartBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	tr, err := New(WithAddr(ln.Addr().String()))
	require.NoError(t, err)
	require.Error(t, tr.Start(context.Background()))
	require.NoError(t, tr.Shutdown())
}

func TestOptionValidation(t *testing.T) {
	_, err := New(WithPollInterval(0))
	require.Error(t, err)
	_, err = New(WithWindow(-time.Second))
	require.Error(t, err)
	_, err = New(WithName(""))
	require.Error(t, err)
}

func TestAdminHandlers(t *testing.T) {
	tr := startTracker(t, WithName("T1"))
	server := dialRaw(t, tr)
	server.send(wire.VerbHello, "S1")
	client := dialRaw(t, tr)
	client.send(wire.VerbHi, "C1")
	waitStats(t, tr, 1, 1)

	h := tr.AdminHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var info struct {
		Name        string   `json:"name"`
		Servers     int      `json:"servers"`
		Clients     int      `json:"clients"`
		Connections int      `json:"connections"`
		Names       []string `json:"server_names"`
		ClientNames []string `json:"client_names"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(t, "T1", info.Name)
	require.Equal(t, 1, info.Servers)
	require.Equal(t, 1, info.Clients)
	require.Equal(t, 2, info.Connections)
	require.Equal(t, []string{"S1"}, info.Names)
	require.Equal(t, []string{"C1"}, info.ClientNames)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "rendezvous_connections")
}
