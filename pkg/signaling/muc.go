package signaling

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/sirupsen/logrus"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"
)

// Muc is our occupancy in one chat room. Presence and groupchat messages
// observed in the room are delivered as typed events, in arrival order.
type Muc struct {
	client *Client
	room   jid.JID
	// occupant is room@service/nick, our own address in the room.
	occupant jid.JID
	logger   *logrus.Entry

	events   chan OccupantEvent
	messages chan MessageEvent
	joined   chan struct{}

	// known tracks current occupants by nick; touched only on the stream
	// goroutine.
	known map[string]bool
}

// JoinMUC implements Transport. It registers the room for event routing,
// sends the join presence and waits for the service to confirm with our own
// occupant presence.
func (c *Client) JoinMUC(ctx context.Context, room jid.JID, nick string) (Room, error) {
	occupant, err := room.WithResource(nick)
	if err != nil {
		return nil, fmt.Errorf("muc: bad nick %q: %w", nick, err)
	}

	m := &Muc{
		client:   c,
		room:     room.Bare(),
		occupant: occupant,
		logger:   c.logger.WithField("room", room.Bare().String()),
		events:   make(chan OccupantEvent, 256),
		messages: make(chan MessageEvent, 64),
		joined:   make(chan struct{}),
		known:    make(map[string]bool),
	}

	c.mutex.Lock()
	if _, ok := c.mucs[m.room.String()]; ok {
		c.mutex.Unlock()
		return nil, fmt.Errorf("muc: already joined %s", m.room)
	}
	c.mucs[m.room.String()] = m
	session := c.session
	c.mutex.Unlock()

	if session == nil {
		c.removeMuc(m.room)
		return nil, ErrOffline
	}

	join := stanza.Presence{ID: newID(), To: occupant, Type: stanza.AvailablePresence}.
		Wrap(xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: muc.NS, Local: "x"}}))
	if err := session.Send(ctx, join); err != nil {
		c.removeMuc(m.room)
		return nil, fmt.Errorf("muc: join %s: %w", m.room, err)
	}

	select {
	case <-m.joined:
		m.logger.Info("Joined room")
		return m, nil
	case <-ctx.Done():
		c.removeMuc(m.room)
		return nil, fmt.Errorf("muc: join %s: %w", m.room, ctx.Err())
	}
}

func (c *Client) removeMuc(room jid.JID) {
	c.mutex.Lock()
	delete(c.mucs, room.String())
	c.mutex.Unlock()
}

// Events is the stream of occupant changes, in the order the service
// reported them.
func (m *Muc) Events() <-chan OccupantEvent {
	return m.events
}

// Messages is the stream of groupchat messages seen in the room.
func (m *Muc) Messages() <-chan MessageEvent {
	return m.messages
}

// Room is the bare room address.
func (m *Muc) Room() jid.JID {
	return m.room
}

// Occupant is our own address in the room.
func (m *Muc) Occupant() jid.JID {
	return m.occupant
}

// SendPresence publishes a fresh presence to the room with the given payload
// elements appended after the muc element.
func (m *Muc) SendPresence(ctx context.Context, payload xml.TokenReader) error {
	session := m.client.currentSession()
	if session == nil {
		return ErrOffline
	}
	p := stanza.Presence{ID: newID(), To: m.occupant, Type: stanza.AvailablePresence}
	return session.Send(ctx, p.Wrap(payload))
}

// Leave sends the unavailable presence and stops event routing for the room.
// The event channels stay open; consumers simply stop receiving.
func (m *Muc) Leave(ctx context.Context) error {
	m.client.removeMuc(m.room)

	session := m.client.currentSession()
	if session == nil {
		return ErrOffline
	}
	p := stanza.Presence{ID: newID(), To: m.occupant, Type: stanza.UnavailablePresence}
	if err := session.Send(ctx, p.Wrap(nil)); err != nil {
		return fmt.Errorf("muc: leave %s: %w", m.room, err)
	}
	m.logger.Info("Left room")
	return nil
}

// handlePresence runs on the stream goroutine and turns a decoded room
// presence into an occupant event. Delivery blocks if the consumer falls
// behind; event order within a room is part of the contract.
func (m *Muc) handlePresence(p stanza.Presence, decoded *presencePayload) {
	nick := p.From.Resourcepart()
	self := decoded.isSelf()

	event := OccupantEvent{
		Occupant: p.From,
		Nick:     nick,
		Self:     self,
		Ext:      decoded.extensions(),
	}
	if decoded.X != nil {
		event.Role = decoded.X.Item.Role
		event.Affiliation = decoded.X.Item.Affiliation
		event.RealJID = decoded.X.Item.JID
	}

	if p.Type == stanza.UnavailablePresence {
		event.Type = OccupantLeft
		delete(m.known, nick)
	} else if m.known[nick] {
		event.Type = OccupantUpdated
	} else {
		event.Type = OccupantJoined
		m.known[nick] = true
	}

	if self && event.Type == OccupantJoined {
		select {
		case <-m.joined:
		default:
			close(m.joined)
		}
	}

	m.events <- event
}

func (m *Muc) handleMessage(event MessageEvent) {
	select {
	case m.messages <- event:
	default:
		m.logger.Warn("Dropping room message, consumer too slow")
	}
}
