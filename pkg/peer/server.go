package peer

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/rendezvous/pkg/wire"
)

// Server registers with the tracker and reports matches for its secret.
type Server struct {
	link
	secret int
}

var _ wire.Dispatcher = (*Server)(nil)

// NewServer creates a Server. Unless WithSecret is given, the secret is drawn
// uniformly from [MinValue, MaxValue].
func NewServer(name string, opts ...Option) (*Server, error) {
	o := defaultOptions()
	if err := o.apply(opts); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("empty server name")
	}
	s := &Server{secret: o.secret}
	if !o.fixedSecret {
		s.secret = o.value()
	}
	s.init(name, o, "server")
	s.log.Info("selected secret", zap.Int("secret", s.secret))
	return s, nil
}

// Secret returns the value this server matches.
func (s *Server) Secret() int {
	return s.secret
}

// Connect dials the tracker, sends HELLO and starts reading.
func (s *Server) Connect(ctx context.Context, addr string) error {
	return s.connect(ctx, addr, wire.Message{Verb: wire.VerbHello, Payload: s.name}, s)
}

// Dispatch answers SRCH messages whose value equals the secret. The reply
// echoes the queried value.
func (s *Server) Dispatch(msg wire.Message) {
	if msg.Verb != wire.VerbSearch {
		s.log.Debug("unexpected verb", zap.String("verb", msg.Verb))
		return
	}
	v, err := strconv.Atoi(strings.TrimSpace(msg.Payload))
	if err != nil {
		s.log.Debug("ignoring non-integer search", zap.String("value", msg.Payload))
		return
	}
	if v != s.secret {
		return
	}
	if err := s.send(wire.Message{Verb: wire.VerbMatch, Payload: msg.Payload}); err != nil {
		s.log.Warn("send match failed", zap.Error(err))
		return
	}
	s.log.Debug("match sent", zap.Int("value", v))
}
