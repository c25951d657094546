package tracker

import (
	"go.uber.org/zap"

	"github.com/ryandielhenn/rendezvous/internal/telemetry"
	"github.com/ryandielhenn/rendezvous/pkg/registry"
	"github.com/ryandielhenn/rendezvous/pkg/wire"
)

// dispatcher is the per-connection tracker state machine. A connection
// starts unidentified and becomes a server or a client with its handshake.
// It is driven by the connection's reader task only.
type dispatcher struct {
	t    *Tracker
	conn *wire.Conn
	role registry.Role
	name string
	log  *zap.Logger
}

var _ wire.Dispatcher = (*dispatcher)(nil)

func (d *dispatcher) handleFrame(f []byte) {
	msg, err := wire.Decode(f)
	if err != nil {
		telemetry.MalformedTotal.Inc()
		d.log.Warn("dropping frame", zap.Error(err))
		return
	}
	d.Dispatch(msg)
}

// Dispatch applies one message. Verbs that are not valid in the current
// state are ignored.
func (d *dispatcher) Dispatch(msg wire.Message) {
	telemetry.MessagesTotal.WithLabelValues(verbLabel(msg.Verb)).Inc()
	switch msg.Verb {
	case wire.VerbHello:
		d.identify(registry.RoleServer, msg.Payload)
	case wire.VerbHi:
		d.identify(registry.RoleClient, msg.Payload)
	case wire.VerbSearch:
		if d.role != registry.RoleClient {
			d.ignore(msg)
			return
		}
		d.log.Info("search requested", zap.String("client", d.name), zap.String("value", msg.Payload))
		if err := d.t.beginSearch(d.conn, msg.Payload); err != nil {
			d.log.Warn("search rejected", zap.String("client", d.name), zap.Error(err))
		}
	case wire.VerbMatch:
		if d.role != registry.RoleServer {
			d.ignore(msg)
			return
		}
		if n := d.t.collect(d.conn, msg.Payload); n == 0 {
			d.log.Debug("match outside an open search", zap.String("server", d.name))
		}
	default:
		d.ignore(msg)
	}
}

func (d *dispatcher) identify(role registry.Role, name string) {
	if _, err := d.t.identify(d.conn, role, name); err != nil {
		d.log.Debug("handshake ignored", zap.Stringer("role", role), zap.Error(err))
		return
	}
	if d.role == registry.RoleUnknown {
		d.log = d.log.With(zap.Stringer("role", role))
	}
	d.role, d.name = role, name
	d.log.Info("peer identified", zap.String("name", name))
}

func (d *dispatcher) ignore(msg wire.Message) {
	d.log.Debug("unexpected verb", zap.String("verb", msg.Verb), zap.Stringer("state", d.role))
}

func verbLabel(verb string) string {
	switch verb {
	case wire.VerbHello, wire.VerbHi, wire.VerbSearch, wire.VerbMatch, wire.VerbResult:
		return verb
	}
	return "other"
}
