// Package conference hosts the per-room coordinator: membership from chat
// presence, per-participant session negotiation, the validated source map
// with incremental fan-out, bridge allocation and the lifecycle timers.
package conference

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/gracetech-services/jicofo-sub000/pkg/bridge"
	"github.com/gracetech-services/jicofo-sub000/pkg/colibri"
	"github.com/gracetech-services/jicofo-sub000/pkg/common"
	"github.com/gracetech-services/jicofo-sub000/pkg/conference/participant"
	"github.com/gracetech-services/jicofo-sub000/pkg/conference/source"
	"github.com/gracetech-services/jicofo-sub000/pkg/jingle"
	"github.com/gracetech-services/jicofo-sub000/pkg/signaling"
)

// FocusNick is the resource under which the focus occupies conference rooms.
const FocusNick = "focus"

// Conference is one room's control-plane state. All fields below the events
// channel are owned by the conference goroutine; nothing outside the loop
// may touch them.
type Conference struct {
	room      jid.JID
	meetingID string
	config    Config

	transport signaling.Transport
	catalog   *bridge.Catalog

	events chan confEvent
	// done is closed when the loop exits; posters select against it.
	done chan struct{}

	// onEnded tells the focus manager the conference reached its terminal
	// state.
	onEnded func(room jid.JID, reason string)

	logger *logrus.Entry

	// Loop-owned state.
	muc          signaling.Room
	colibri      *colibri.SessionManager
	sources      *source.ValidatingMap
	participants map[string]*participant.Participant
	// outbound holds one serial sender per participant, preserving the
	// order of source-add/source-remove IQs towards it.
	outbound    map[string]*common.Worker[func()]
	inviteEpoch map[string]uint64

	// population and startedFlag mirror loop state for lock-free reads.
	population  atomic.Int32
	startedFlag atomic.Bool

	started   bool
	createdAt time.Time
	// canManage is cleared when the chat service demotes the focus; the
	// state is surfaced in debug output for operator tooling.
	canManage bool
	ended     bool

	startTimer *time.Timer
	soloTimer  *time.Timer
	emptyTimer *time.Timer
}

// New builds a conference for the room. Start must be called to join the
// room and run the loop.
func New(room jid.JID, config Config, transport signaling.Transport, catalog *bridge.Catalog, onEnded func(jid.JID, string)) *Conference {
	config = config.WithDefaults()
	meetingID := uuid.NewString()

	c := &Conference{
		room:      room.Bare(),
		meetingID: meetingID,
		config:    config,
		transport: transport,
		catalog:   catalog,
		events:    make(chan confEvent, 256),
		done:      make(chan struct{}),
		onEnded:   onEnded,
		logger: logrus.WithFields(logrus.Fields{
			"conference": room.Bare().String(),
			"meeting_id": meetingID,
		}),
		sources:      source.NewValidatingMap(source.Limits{MaxSourcesPerOwner: config.MaxSourcesPerOwner, MaxGroupsPerOwner: config.MaxGroupsPerOwner}),
		participants: make(map[string]*participant.Participant),
		outbound:     make(map[string]*common.Worker[func()]),
		inviteEpoch:  make(map[string]uint64),
		createdAt:    time.Now(),
		canManage:    true,
	}
	selector := bridge.NewSelector(catalog)
	c.colibri = colibri.NewSessionManager(
		colibri.NewRequester(transport), selector,
		meetingID, c.room.String(), config.MeshID, config.PinnedBridgeVersion,
	)
	return c
}

// Room is the bare room address.
func (c *Conference) Room() jid.JID { return c.room }

// MeetingID is the stable conference instance identifier.
func (c *Conference) MeetingID() string { return c.meetingID }

// Start joins the room and launches the conference goroutine.
func (c *Conference) Start(ctx context.Context) error {
	muc, err := c.transport.JoinMUC(ctx, c.room, FocusNick)
	if err != nil {
		return fmt.Errorf("conference %s: %w", c.room, err)
	}
	c.muc = muc

	// Pump room presence into the loop, preserving order.
	go func() {
		for ev := range muc.Events() {
			if !c.post(occupantChanged{ev: ev}) {
				return
			}
		}
	}()

	go c.processMessages()
	c.logger.Info("Conference started")
	return nil
}

// Stop asks the conference to end. Safe to call multiple times.
func (c *Conference) Stop(reason string) {
	c.post(stopRequested{reason: reason})
}

// HandleJingle routes an inbound negotiation IQ into the loop. Called by the
// focus manager's IQ dispatch.
func (c *Conference) HandleJingle(req *signaling.IQRequest, payload *jingle.Jingle) {
	if !c.post(jingleReceived{req: req, payload: payload}) {
		req.Error(stanza.Cancel, stanza.ItemNotFound)
	}
}

// NotifyBridgeDown tells the conference a bridge disappeared.
func (c *Conference) NotifyBridgeDown(address jid.JID) {
	c.post(bridgeRemoved{address: address})
}

// post delivers an event to the loop unless the conference already ended.
func (c *Conference) post(e confEvent) bool {
	select {
	case c.events <- e:
		return true
	case <-c.done:
		return false
	}
}

// processMessages is the conference main loop and its serialization domain.
func (c *Conference) processMessages() {
	c.startTimer = time.AfterFunc(c.config.startTimeout(), func() {
		c.post(timerFired{kind: timerStart})
	})

	reason := "ended"
	for !c.ended {
		e := <-c.events
		switch ev := e.(type) {
		case occupantChanged:
			c.handleOccupant(ev.ev)
		case jingleReceived:
			c.handleJingle(ev.req, ev.payload)
		case allocationOutcome:
			c.handleAllocation(ev)
		case inviteTimedOut:
			c.handleInviteTimeout(ev)
		case flushSignals:
			c.flushParticipant(ev.id)
		case timerFired:
			reason = c.handleTimer(ev.kind)
		case stopRequested:
			c.ended = true
			reason = ev.reason
		case bridgeRemoved:
			c.handleBridgeDown(ev.address)
		case debugRequested:
			c.handleDebugRequest(ev)
		}
	}

	c.teardown(reason)
}

func (c *Conference) handleOccupant(ev signaling.OccupantEvent) {
	if ev.Self {
		c.handleOwnPresence(ev)
		return
	}

	switch ev.Type {
	case signaling.OccupantJoined:
		c.addParticipant(ev)
	case signaling.OccupantUpdated:
		if p := c.participants[ev.Nick]; p != nil {
			p.UpdatePresence(participant.TypeOf(ev.Ext.EntityType, ev.Role), ev.Ext.Region, ev.Ext.StatsID, ev.Ext.Features)
		}
	case signaling.OccupantLeft:
		c.removeParticipant(ev.Nick, false, "")
	}
}

func (c *Conference) handleOwnPresence(ev signaling.OccupantEvent) {
	switch ev.Type {
	case signaling.OccupantLeft:
		c.logger.Warn("Kicked from the room")
		c.ended = true
	default:
		canManage := ev.Role == "moderator" || ev.Affiliation == "owner"
		if c.canManage && !canManage {
			c.logger.Warn("Lost room management rights")
		}
		c.canManage = canManage
	}
}

func (c *Conference) addParticipant(ev signaling.OccupantEvent) {
	if _, ok := c.participants[ev.Nick]; ok {
		c.logger.WithField("nick", ev.Nick).Warn("Duplicate join for known occupant")
		return
	}

	p := participant.New(ev.Occupant, participant.TypeOf(ev.Ext.EntityType, ev.Role), ev.Ext.Region, ev.Ext.StatsID, ev.Ext.Features)
	c.participants[ev.Nick] = p
	c.outbound[ev.Nick] = common.StartWorker(common.WorkerConfig[func()]{
		ChannelSize: 64,
		Timeout:     time.Hour,
		OnTimeout:   func() {},
		OnTask:      func(task func()) { task() },
	})
	c.population.Store(int32(len(c.participants)))
	p.Logger().WithField("type", p.Type().String()).Info("Participant joined")

	c.invite(p)
	c.membershipChanged()
}

// removeParticipant tears one participant down. sendTerminate controls
// whether a session-terminate IQ is sent; a participant that already left
// the room gets none.
func (c *Conference) removeParticipant(nick string, sendTerminate bool, reasonCondition string) {
	p, ok := c.participants[nick]
	if !ok {
		return
	}

	c.dropSources(p)

	live := p.Session() != nil && p.Session().State() != participant.StateEnded
	if live && sendTerminate {
		c.sendTerminate(p, reasonCondition)
	}
	p.EndSession()
	p.Signals().Stop()

	id := p.ID()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), signaling.DefaultRequestTimeout)
		defer cancel()
		c.colibri.RemoveParticipant(ctx, id)
	}()

	if w := c.outbound[nick]; w != nil {
		w.Stop()
	}
	delete(c.outbound, nick)
	delete(c.participants, nick)
	delete(c.inviteEpoch, nick)
	c.population.Store(int32(len(c.participants)))
	p.Logger().Info("Participant removed")

	c.membershipChanged()
}

// dropSources removes everything the participant advertised and fans the
// removal out to the remaining participants.
func (c *Conference) dropSources(p *participant.Participant) {
	current := c.sources.Get(p.ID())
	if current.IsEmpty() {
		return
	}
	removed, err := c.sources.TryRemove(p.ID(), current)
	if err != nil {
		p.Logger().WithError(err).Error("Failed to drop sources")
		return
	}
	c.fanOut(p.ID(), source.Sources{}, source.Sources{p.ID(): removed})
}

// membershipChanged re-arms the population timers.
func (c *Conference) membershipChanged() {
	if c.soloTimer != nil {
		c.soloTimer.Stop()
		c.soloTimer = nil
	}
	if c.emptyTimer != nil {
		c.emptyTimer.Stop()
		c.emptyTimer = nil
	}

	switch len(c.participants) {
	case 0:
		if c.config.emptyTimeout() <= 0 {
			c.logger.Info("Conference empty, stopping")
			c.ended = true
			return
		}
		c.emptyTimer = time.AfterFunc(c.config.emptyTimeout(), func() {
			c.post(timerFired{kind: timerEmpty})
		})
	case 1:
		c.soloTimer = time.AfterFunc(c.config.singleParticipantTimeout(), func() {
			c.post(timerFired{kind: timerSingleParticipant})
		})
	}
}

func (c *Conference) handleTimer(kind timerKind) string {
	switch kind {
	case timerStart:
		if !c.started {
			c.logger.Info("No participant went active in time, stopping")
			c.ended = true
			return "start-timeout"
		}
	case timerSingleParticipant:
		if len(c.participants) == 1 {
			c.logger.Info("Single participant left for too long, stopping")
			c.ended = true
			return "single-participant-timeout"
		}
	case timerEmpty:
		if len(c.participants) == 0 {
			c.ended = true
			return "empty-timeout"
		}
	}
	return "ended"
}

// handleBridgeDown re-invites every participant whose media session lived on
// the lost bridge, and lets the session manager clean up its mirror relays.
func (c *Conference) handleBridgeDown(address jid.JID) {
	var affected []*participant.Participant
	for _, p := range c.participants {
		if _, addr, ok := c.colibri.SessionOf(p.ID()); ok && addr.Equal(address) {
			affected = append(affected, p)
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), signaling.DefaultRequestTimeout)
		defer cancel()
		c.colibri.BridgeLost(ctx, address)
	}()

	for _, p := range affected {
		p.Logger().WithField("bridge", address.String()).Warn("Bridge lost, re-inviting")
		c.reInvite(p, true, "connectivity-error")
	}
}

// Started reports whether any participant ever went active.
func (c *Conference) Started() bool {
	return c.startedFlag.Load()
}

// markStarted records the first active session and disarms the start timer.
func (c *Conference) markStarted() {
	if c.started {
		return
	}
	c.started = true
	c.startedFlag.Store(true)
	if c.startTimer != nil {
		c.startTimer.Stop()
		c.startTimer = nil
	}
}

func (c *Conference) teardown(reason string) {
	c.ended = true
	close(c.done)

	for _, t := range []*time.Timer{c.startTimer, c.soloTimer, c.emptyTimer} {
		if t != nil {
			t.Stop()
		}
	}

	for nick, p := range c.participants {
		if p.Session() != nil && p.Session().State() != participant.StateEnded {
			c.sendTerminate(p, "gone")
		}
		p.EndSession()
		p.Signals().Stop()
		if w := c.outbound[nick]; w != nil {
			w.Stop()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), signaling.DefaultRequestTimeout)
	c.colibri.ExpireAll(ctx)
	cancel()

	if c.muc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), signaling.DefaultRequestTimeout)
		c.muc.Leave(ctx)
		cancel()
	}

	c.logger.WithField("reason", reason).Info("Conference ended")
	if c.onEnded != nil {
		c.onEnded(c.room, reason)
	}
}

// enqueueOutbound schedules a task on the participant's serial sender.
func (c *Conference) enqueueOutbound(nick string, task func()) {
	w := c.outbound[nick]
	if w == nil {
		return
	}
	if err := w.Send(task); err != nil {
		c.logger.WithError(err).WithField("nick", nick).Warn("Dropping outbound task")
	}
}
