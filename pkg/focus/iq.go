package focus

import (
	"context"
	"encoding/xml"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/gracetech-services/jicofo-sub000/pkg/jingle"
	"github.com/gracetech-services/jicofo-sub000/pkg/signaling"
)

// NSConference is the focus-admin namespace for conference requests.
const NSConference = "http://jitsi.org/protocol/focus"

// ConferenceIQ is the conference request payload: a client asks the focus to
// take care of a room. The reply echoes the element with ready set.
type ConferenceIQ struct {
	XMLName xml.Name `xml:"http://jitsi.org/protocol/focus conference"`
	Room    string   `xml:"room,attr"`
	Ready   bool     `xml:"ready,attr,omitempty"`
	// Focus is the full focus address, echoed so the client can address
	// later session IQs.
	Focus string `xml:"focusjid,attr,omitempty"`

	Properties []ConferenceProperty `xml:"property"`
}

// ConferenceProperty is an opaque per-conference tunable from the client.
type ConferenceProperty struct {
	XMLName xml.Name `xml:"property"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

// registerHandlers installs the two load-bearing IQ routes: session
// negotiation and conference requests.
func (m *Manager) registerHandlers() {
	m.transport.RegisterIQHandler(
		xml.Name{Space: jingle.NS, Local: "jingle"},
		func() interface{} { return &jingle.Jingle{} },
		m.handleJingleIQ,
	)
	m.transport.RegisterIQHandler(
		xml.Name{Space: NSConference, Local: "conference"},
		func() interface{} { return &ConferenceIQ{} },
		m.handleConferenceIQ,
	)
}

// handleJingleIQ routes a negotiation IQ to the conference the sender
// occupies. The sender's bare address is the room.
func (m *Manager) handleJingleIQ(req *signaling.IQRequest) {
	payload := req.Payload.(*jingle.Jingle)

	c := m.Get(req.IQ.From.Bare())
	if c == nil {
		req.Error(stanza.Cancel, stanza.ItemNotFound)
		return
	}
	c.HandleJingle(req, payload)
}

// handleConferenceIQ serves a conference request: ensure the conference runs
// and confirm.
func (m *Manager) handleConferenceIQ(req *signaling.IQRequest) {
	payload := req.Payload.(*ConferenceIQ)

	room, err := jid.Parse(payload.Room)
	if err != nil {
		req.Error(stanza.Modify, stanza.JIDMalformed)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := m.GetOrCreate(ctx, room); err != nil {
		m.logger.WithError(err).WithField("room", room.String()).Error("Conference request failed")
		req.Error(stanza.Wait, stanza.InternalServerError)
		return
	}

	req.Result(&ConferenceIQ{
		Room:  room.Bare().String(),
		Ready: true,
		Focus: m.transport.LocalJID().String(),
	})
}

// ConferenceRequest is the admin-facing form of a conference request.
// Returns whether the conference already has active participants.
func (m *Manager) ConferenceRequest(ctx context.Context, room jid.JID) (started bool, err error) {
	c, err := m.GetOrCreate(ctx, room)
	if err != nil {
		return false, err
	}
	return c.Started(), nil
}
