// Package registry tracks live tracker connections and the role each one
// announced in its handshake.
//
// A Registry is not safe for concurrent use. The tracker serializes every
// access under its coordination lock.
package registry

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/ryandielhenn/rendezvous/pkg/wire"
)

// Role is the role a connection announced.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleServer
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

var (
	// ErrUnknownConn is returned when identifying a connection that is not in the table.
	ErrUnknownConn = errors.New("unknown connection")
	// ErrRoleConflict is returned when a connection announces a second, different role.
	ErrRoleConflict = errors.New("role already assigned")
)

// Conn is a live connection referenced, not owned, by the registry.
type Conn interface {
	// ID is the peer identity, unique among live connections.
	ID() string
	Send(msg wire.Message) error
}

// Record is the role metadata of an identified connection.
type Record struct {
	ID   string
	Name string
	Role Role
	seq  uint64
}

// Entry pairs a record with its connection.
type Entry struct {
	Record
	Conn Conn
}

// Counts summarizes the registry.
type Counts struct {
	Connections int `json:"connections"`
	Servers     int `json:"servers"`
	Clients     int `json:"clients"`
}

type Registry struct {
	conns   map[string]Conn   // peer identity -> connection
	records map[string]Record // peer identity -> role record
	seq     uint64
}

func New() *Registry {
	return &Registry{
		conns:   make(map[string]Conn),
		records: make(map[string]Record),
	}
}

// Add inserts c into the connection table. It reports false if a connection
// with the same identity is already present.
func (r *Registry) Add(c Conn) bool {
	if _, ok := r.conns[c.ID()]; ok {
		return false
	}
	r.conns[c.ID()] = c
	return true
}

// Remove drops the connection and its role record, returning the record if
// the connection had identified itself.
func (r *Registry) Remove(id string) (Record, bool) {
	delete(r.conns, id)
	rec, ok := r.records[id]
	delete(r.records, id)
	return rec, ok
}

func (r *Registry) conn(id string) (Conn, bool) {
	c, ok := r.conns[id]
	return c, ok
}

// Lookup returns the role record for id.
func (r *Registry) Lookup(id string) (Record, bool) {
	rec, ok := r.records[id]
	return rec, ok
}

// Identify assigns role and name to the connection id. Re-announcing the same
// role overwrites the name; announcing a different role fails.
func (r *Registry) Identify(id string, role Role, name string) (Record, error) {
	if _, ok := r.conns[id]; !ok {
		return Record{}, errors.Wrapf(ErrUnknownConn, "identify %s", id)
	}
	rec, ok := r.records[id]
	if ok && rec.Role != role {
		return rec, errors.Wrapf(ErrRoleConflict, "%s is a %s", id, rec.Role)
	}
	if !ok {
		r.seq++
		rec = Record{ID: id, Role: role, seq: r.seq}
	}
	rec.Name = name
	r.records[id] = rec
	return rec, nil
}

// Servers returns a snapshot of the identified servers in registration order.
func (r *Registry) Servers() []Entry {
	return r.snapshot(RoleServer)
}

// Clients returns a snapshot of the identified clients in registration order.
func (r *Registry) Clients() []Entry {
	return r.snapshot(RoleClient)
}

func (r *Registry) snapshot(role Role) []Entry {
	out := make([]Entry, 0, len(r.records))
	for id, rec := range r.records {
		if rec.Role != role {
			continue
		}
		out = append(out, Entry{Record: rec, Conn: r.conns[id]})
	}
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}

// Counts returns the current table sizes.
func (r *Registry) Counts() Counts {
	c := Counts{Connections: len(r.conns)}
	for _, rec := range r.records {
		switch rec.Role {
		case RoleServer:
			c.Servers++
		case RoleClient:
			c.Clients++
		}
	}
	return c
}
