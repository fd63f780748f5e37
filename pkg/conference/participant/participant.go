// Package participant models one conference member: its identity and
// capabilities from presence, the lifecycle of its media session, the
// rate limit on session restarts and the coalescing queue for source
// signaling towards it.
package participant

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
)

// Type classifies an occupant. Special types come from the entity presence
// extension; visitors from the chat service role.
type Type int

const (
	TypeRegular Type = iota
	TypeRecorder
	TypeTranscriber
	TypeGateway
	TypeVisitor
)

func (t Type) String() string {
	switch t {
	case TypeRecorder:
		return "recorder"
	case TypeTranscriber:
		return "transcriber"
	case TypeGateway:
		return "gateway"
	case TypeVisitor:
		return "visitor"
	default:
		return "participant"
	}
}

// TypeOf derives the participant type from the presence entity extension and
// the chat service role.
func TypeOf(entityType, role string) Type {
	switch entityType {
	case "recorder":
		return TypeRecorder
	case "transcriber":
		return TypeTranscriber
	case "sip-gateway", "gateway":
		return TypeGateway
	}
	if role == "visitor" {
		return TypeVisitor
	}
	return TypeRegular
}

// ReceivesSources reports whether source updates are signaled to this type.
// Recorders and transcribers consume everything; visitors receive media
// through their own cascade and get no source signaling from the focus.
func (t Type) ReceivesSources() bool {
	return t != TypeVisitor
}

// SendsSources reports whether the type may advertise its own sources.
func (t Type) SendsSources() bool {
	return t != TypeVisitor
}

// State of a media session.
type State int

const (
	// StatePending: the offer is out, no accept seen yet.
	StatePending State = iota
	// StateActive: the participant accepted and media is expected to flow.
	StateActive
	// StateEnded: terminated; a session never leaves this state.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidTransition is wrapped by Session transition errors.
var ErrInvalidTransition = errors.New("invalid session transition")

// Session is one offer/accept exchange with a participant. A re-invite does
// not reuse a session: the old one ends and a fresh one starts pending.
type Session struct {
	// ID is the signaling session identifier from the offer.
	ID string
	// BridgeSessionID ties the session to the bridge allocation that backs
	// it; restart requests carrying another id are stale.
	BridgeSessionID string

	state State
}

func NewSession(id, bridgeSessionID string) *Session {
	return &Session{ID: id, BridgeSessionID: bridgeSessionID, state: StatePending}
}

func (s *Session) State() State { return s.state }

// Accept moves pending to active.
func (s *Session) Accept() error {
	if s.state != StatePending {
		return fmt.Errorf("%w: accept in %s", ErrInvalidTransition, s.state)
	}
	s.state = StateActive
	return nil
}

// End terminates from any live state; ending twice is an error.
func (s *Session) End() error {
	if s.state == StateEnded {
		return fmt.Errorf("%w: end in %s", ErrInvalidTransition, s.state)
	}
	s.state = StateEnded
	return nil
}

// Participant is the conference's record of one occupant. It is owned by the
// conference goroutine; nothing here locks.
type Participant struct {
	occupant jid.JID
	// id is the room nick, which doubles as the bridge endpoint id.
	id      string
	typ     Type
	region  string
	statsID string
	// features advertised in presence.
	features map[string]bool

	session *Session
	logger  *logrus.Entry

	restarts *RestartLimiter
	signals  *SignalQueue
}

func New(occupant jid.JID, typ Type, region, statsID string, features []string) *Participant {
	featureSet := make(map[string]bool, len(features))
	for _, f := range features {
		featureSet[f] = true
	}
	return &Participant{
		occupant: occupant,
		id:       occupant.Resourcepart(),
		typ:      typ,
		region:   region,
		statsID:  statsID,
		features: featureSet,
		logger:   logrus.WithField("participant", occupant.String()),
		restarts: NewRestartLimiter(),
		signals:  NewSignalQueue(),
	}
}

func (p *Participant) Occupant() jid.JID { return p.occupant }

// ID is the endpoint identifier, equal to the room nick.
func (p *Participant) ID() string { return p.id }

func (p *Participant) Type() Type      { return p.typ }
func (p *Participant) Region() string  { return p.region }
func (p *Participant) StatsID() string { return p.statsID }

// HasFeature checks an advertised presence feature.
func (p *Participant) HasFeature(feature string) bool { return p.features[feature] }

// UpdatePresence refreshes the mutable presence-derived fields.
func (p *Participant) UpdatePresence(typ Type, region, statsID string, features []string) {
	p.typ = typ
	p.region = region
	p.statsID = statsID
	p.features = make(map[string]bool, len(features))
	for _, f := range features {
		p.features[f] = true
	}
}

// Session returns the current media session, or nil before the first invite.
func (p *Participant) Session() *Session { return p.session }

// StartSession ends any live session and begins a fresh pending one.
func (p *Participant) StartSession(id, bridgeSessionID string) *Session {
	if p.session != nil && p.session.State() != StateEnded {
		p.session.End()
	}
	p.session = NewSession(id, bridgeSessionID)
	return p.session
}

// EndSession terminates the current session if it is live.
func (p *Participant) EndSession() {
	if p.session != nil && p.session.State() != StateEnded {
		p.session.End()
	}
}

// AllowRestart consults the restart rate limit.
func (p *Participant) AllowRestart() bool { return p.restarts.Allow() }

// Signals is the participant's source signaling queue.
func (p *Participant) Signals() *SignalQueue { return p.signals }

func (p *Participant) Logger() *logrus.Entry { return p.logger }
