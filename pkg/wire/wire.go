// Package wire encodes and decodes rendezvous protocol messages.
//
// A message is the ASCII text "<VERB> <PAYLOAD>" terminated by frame.Delimiter.
// The verb never contains a space; the payload may be empty or contain spaces.
package wire

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/ryandielhenn/rendezvous/pkg/frame"
)

// Protocol verbs.
const (
	VerbHello  = "HELLO" // Server -> Tracker: registration, payload is the server name
	VerbHi     = "HI"    // Client -> Tracker: registration, payload is the client name
	VerbSearch = "SRCH"  // Client -> Tracker request and Tracker -> Server broadcast
	VerbMatch  = "MTCH"  // Server -> Tracker: affirmative match
	VerbResult = "RSLT"  // Tracker -> Client: space-separated server names
)

// ErrMalformedMessage is returned when a frame has no verb/payload separator.
var ErrMalformedMessage = errors.New("malformed message")

// Message is one decoded frame.
type Message struct {
	Verb    string
	Payload string
}

// Dispatcher consumes decoded messages for one connection, in stream order.
type Dispatcher interface {
	Dispatch(msg Message)
}

// Decode splits frame on its first space.
func Decode(frame []byte) (Message, error) {
	verb, payload, ok := strings.Cut(string(frame), " ")
	if !ok {
		return Message{}, errors.Wrapf(ErrMalformedMessage, "frame %q", frame)
	}
	return Message{Verb: verb, Payload: payload}, nil
}

// Encode renders verb and payload as a delimited frame.
func Encode(verb, payload string) []byte {
	b := make([]byte, 0, len(verb)+len(payload)+2)
	b = append(b, verb...)
	b = append(b, ' ')
	b = append(b, payload...)
	return append(b, frame.Delimiter)
}

// Encode renders m as a delimited frame.
func (m Message) Encode() []byte {
	return Encode(m.Verb, m.Payload)
}

func (m Message) String() string {
	return m.Verb + " " + m.Payload
}

// Names splits a RSLT payload into server names.
func Names(payload string) []string {
	return strings.Fields(payload)
}

// JoinNames renders server names as a RSLT payload.
func JoinNames(names []string) string {
	return strings.Join(names, " ")
}
