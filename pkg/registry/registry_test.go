package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/rendezvous/pkg/wire"
)

type fakeConn struct {
	id   string
	sent []wire.Message
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg wire.Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

func names(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestAddRemove(t *testing.T) {
	r := New()
	a := &fakeConn{id: "127.0.0.1:5001"}
	require.True(t, r.Add(a))
	require.False(t, r.Add(a))

	got, ok := r.conn(a.id)
	require.True(t, ok)
	require.Same(t, a, got)
	require.Equal(t, Counts{Connections: 1}, r.Counts())

	_, ok = r.Remove(a.id)
	require.False(t, ok, "unidentified connection has no record")
	_, ok = r.conn(a.id)
	require.False(t, ok)
}

func TestRepeatedHelloKeepsOneRecord(t *testing.T) {
	r := New()
	a := &fakeConn{id: "a"}
	r.Add(a)
	for _, name := range []string{"S1", "S1-renamed", "S9"} {
		_, err := r.Identify(a.id, RoleServer, name)
		require.NoError(t, err)
	}
	servers := r.Servers()
	require.Len(t, servers, 1)
	require.Equal(t, "S9", servers[0].Name)
	require.Same(t, a, servers[0].Conn)
	require.Equal(t, Counts{Connections: 1, Servers: 1}, r.Counts())
}

func TestRoleAssignedOnce(t *testing.T) {
	r := New()
	r.Add(&fakeConn{id: "a"})
	_, err := r.Identify("a", RoleClient, "C1")
	require.NoError(t, err)
	rec, err := r.Identify("a", RoleServer, "S1")
	require.ErrorIs(t, err, ErrRoleConflict)
	require.Equal(t, RoleClient, rec.Role)
	require.Empty(t, r.Servers())
	require.Equal(t, []string{"C1"}, names(r.Clients()))
}

func TestIdentifyUnknownConn(t *testing.T) {
	_, err := New().Identify("ghost", RoleServer, "S1")
	require.ErrorIs(t, err, ErrUnknownConn)
}

func TestSnapshotsInRegistrationOrder(t *testing.T) {
	r := New()
	for _, id := range []string{"z", "y", "x", "w"} {
		r.Add(&fakeConn{id: id})
	}
	_, _ = r.Identify("y", RoleServer, "S1")
	_, _ = r.Identify("w", RoleClient, "C1")
	_, _ = r.Identify("z", RoleServer, "S2")
	_, _ = r.Identify("x", RoleServer, "S3")
	_, _ = r.Identify("y", RoleServer, "S1b")

	require.Equal(t, []string{"S1b", "S2", "S3"}, names(r.Servers()))
	require.Equal(t, []string{"C1"}, names(r.Clients()))

	rec, ok := r.Remove("z")
	require.True(t, ok)
	require.Equal(t, "S2", rec.Name)
	require.Equal(t, []string{"S1b", "S3"}, names(r.Servers()))
	require.Equal(t, Counts{Connections: 3, Servers: 2, Clients: 1}, r.Counts())
}

func TestRoleString(t *testing.T) {
	require.Equal(t, "server", RoleServer.String())
	require.Equal(t, "client", RoleClient.String())
	require.Equal(t, "unknown", RoleUnknown.String())
}
