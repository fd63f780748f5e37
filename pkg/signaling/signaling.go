// Package signaling is the XMPP message fabric the focus runs on. It owns
// the client session, routes inbound IQs to registered handlers, correlates
// requests with responses, and turns MUC presence into typed occupant events
// for the conference and detector layers.
package signaling

import (
	"context"
	"encoding/xml"
	"sync/atomic"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// Transport is the narrow surface the core consumes. The production
// implementation is Client; tests substitute fakes.
type Transport interface {
	// LocalJID is the focus's own address on the current connection.
	LocalJID() jid.JID

	// Request sends a get/set IQ with the given payload and decodes the
	// reply payload into result (which may be nil if the caller only needs
	// the ack). An error-type reply is returned as stanza.Error. The
	// context bounds the wait; the default request timeout applies when
	// the context has no earlier deadline.
	Request(ctx context.Context, to jid.JID, typ stanza.IQType, payload, result interface{}) error

	// Send delivers a fire-and-forget IQ of type set, ignoring the reply.
	Send(to jid.JID, payload interface{})

	// RegisterIQHandler routes inbound get/set IQs whose first payload
	// element matches name. newPayload allocates the value the payload is
	// decoded into. Exactly one handler per name; a second registration
	// panics. Handlers run off the stream-reading goroutine and must
	// reply exactly once via the request's Reply methods.
	RegisterIQHandler(name xml.Name, newPayload func() interface{}, handle IQHandlerFunc)

	// JoinMUC joins the room under the given nick and returns the
	// occupant handle. Blocks until the service confirms the join.
	JoinMUC(ctx context.Context, room jid.JID, nick string) (Room, error)

	// RegistrationEvents reports connection state changes: true once a
	// fresh session is established, false when it is lost. Higher layers
	// re-join their rooms on true.
	RegistrationEvents() <-chan bool
}

// IQHandlerFunc handles one inbound request IQ.
type IQHandlerFunc func(req *IQRequest)

// Room is our occupancy in one chat room. The production implementation is
// Muc.
type Room interface {
	// Events is the stream of occupant changes, in service order.
	Events() <-chan OccupantEvent
	// Messages is the stream of groupchat messages seen in the room.
	Messages() <-chan MessageEvent
	// Room is the bare room address.
	Room() jid.JID
	// Occupant is our own address in the room.
	Occupant() jid.JID
	// SendPresence publishes a fresh presence with the given payload.
	SendPresence(ctx context.Context, payload xml.TokenReader) error
	// Leave sends the unavailable presence and stops event routing.
	Leave(ctx context.Context) error
}

// IQRequest is an inbound get/set IQ together with its decoded payload and
// the one-shot reply hook.
type IQRequest struct {
	IQ      stanza.IQ
	Payload interface{}

	reply   func(result interface{}, stanzaErr *stanza.Error)
	replied atomic.Bool
}

// NewIQRequest builds a request envelope; used by the client and by test
// fakes.
func NewIQRequest(iq stanza.IQ, payload interface{}, reply func(result interface{}, stanzaErr *stanza.Error)) *IQRequest {
	return &IQRequest{IQ: iq, Payload: payload, reply: reply}
}

// Result sends the success reply, with an optional payload. Only the first
// reply wins; later calls are dropped so a request can never answer twice.
func (r *IQRequest) Result(payload interface{}) {
	if r.replied.CompareAndSwap(false, true) {
		r.reply(payload, nil)
	}
}

// Error sends a typed error reply.
func (r *IQRequest) Error(errType stanza.ErrorType, condition stanza.Condition) {
	if r.replied.CompareAndSwap(false, true) {
		r.reply(nil, &stanza.Error{Type: errType, Condition: condition})
	}
}

// Replied reports whether a reply has been produced.
func (r *IQRequest) Replied() bool {
	return r.replied.Load()
}

// OccupantEventType classifies a MUC occupant change.
type OccupantEventType int

const (
	OccupantJoined OccupantEventType = iota
	OccupantUpdated
	OccupantLeft
)

// OccupantEvent is one observed presence change in a joined room.
type OccupantEvent struct {
	Type OccupantEventType
	// Occupant is the full room address (room@service/nick).
	Occupant jid.JID
	// Nick is the resource part of the occupant address.
	Nick string
	// Role and Affiliation as reported by the chat service.
	Role        string
	Affiliation string
	// RealJID is the occupant's actual address when the service discloses
	// it; brewery rooms do, which is how bridges are identified.
	RealJID string
	// Self marks our own occupant presence.
	Self bool
	// Ext carries the parsed presence extensions.
	Ext Extensions
}

// MessageEvent is a groupchat or normal message observed in a joined room.
type MessageEvent struct {
	From jid.JID
	Body string
}

// Extensions are the presence payload elements the focus understands. One
// struct covers both conference occupants and bridge-brewery occupants; the
// consumers pick the fields relevant to them.
type Extensions struct {
	Region  string
	StatsID string
	// EntityType marks special occupants: recorder, transcriber, sip-gateway.
	EntityType string
	// Features advertised by a participant.
	Features []string

	// Bridge-brewery fields.
	Version          string
	RelayID          string
	Stress           float64
	StressReported   bool
	GracefulShutdown bool

	// Worker-brewery fields.
	JibriReported bool
	JibriBusy     bool
	JibriHealthy  bool
}
