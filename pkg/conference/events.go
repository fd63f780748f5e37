package conference

import (
	"mellium.im/xmpp/jid"

	"github.com/gracetech-services/jicofo-sub000/pkg/colibri"
	"github.com/gracetech-services/jicofo-sub000/pkg/jingle"
	"github.com/gracetech-services/jicofo-sub000/pkg/signaling"
)

// confEvent is anything entering the conference's main loop. The loop is the
// conference's serialization domain: every state mutation happens while
// handling one of these.
type confEvent interface {
	confEvent()
}

// occupantChanged wraps a presence event from the room.
type occupantChanged struct {
	ev signaling.OccupantEvent
}

// jingleReceived is an inbound negotiation IQ from a participant, already
// decoded. The loop must reply through the request exactly once.
type jingleReceived struct {
	req     *signaling.IQRequest
	payload *jingle.Jingle
}

// allocationOutcome re-enters the loop after an off-loop bridge allocation.
// The epoch discards outcomes of invites that were superseded meanwhile.
type allocationOutcome struct {
	id         string
	epoch      uint64
	allocation *colibri.Allocation
	err        error
}

// inviteTimedOut fires when an offer got no answer in time.
type inviteTimedOut struct {
	id        string
	sessionID string
}

// flushSignals asks the loop to flush one participant's source queue.
type flushSignals struct {
	id string
}

type timerKind int

const (
	timerStart timerKind = iota
	timerSingleParticipant
	timerEmpty
)

// timerFired is one of the lifecycle timers going off.
type timerFired struct {
	kind timerKind
}

// stopRequested asks the conference to end (admin teardown, focus shutdown).
type stopRequested struct {
	reason string
}

// bridgeRemoved reports that a bridge vanished from the catalog; endpoints
// on it must be re-invited.
type bridgeRemoved struct {
	address jid.JID
}

// debugRequested asks the loop for a state snapshot.
type debugRequested struct {
	full  bool
	reply chan DebugState
}

func (occupantChanged) confEvent()   {}
func (jingleReceived) confEvent()    {}
func (allocationOutcome) confEvent() {}
func (inviteTimedOut) confEvent()    {}
func (flushSignals) confEvent()      {}
func (timerFired) confEvent()        {}
func (stopRequested) confEvent()     {}
func (bridgeRemoved) confEvent()     {}
func (debugRequested) confEvent()    {}
