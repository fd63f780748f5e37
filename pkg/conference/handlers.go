package conference

import (
	"context"
	"errors"

	"mellium.im/xmpp/stanza"

	"github.com/gracetech-services/jicofo-sub000/pkg/colibri"
	"github.com/gracetech-services/jicofo-sub000/pkg/conference/participant"
	"github.com/gracetech-services/jicofo-sub000/pkg/conference/source"
	"github.com/gracetech-services/jicofo-sub000/pkg/jingle"
	"github.com/gracetech-services/jicofo-sub000/pkg/signaling"
)

// handleJingle dispatches one inbound negotiation IQ. Every path must reply
// to the request exactly once.
func (c *Conference) handleJingle(req *signaling.IQRequest, payload *jingle.Jingle) {
	nick := req.IQ.From.Resourcepart()
	p := c.participants[nick]
	if p == nil || !req.IQ.From.Equal(p.Occupant()) {
		req.Error(stanza.Cancel, stanza.ItemNotFound)
		return
	}

	switch payload.Action {
	case jingle.ActionSessionAccept:
		c.handleAccept(req, p, payload)
	case jingle.ActionSourceAdd:
		c.handleSourceAdd(req, p, payload)
	case jingle.ActionSourceRemove:
		c.handleSourceRemove(req, p, payload)
	case jingle.ActionTransportInfo:
		c.handleTransportInfo(req, p, payload)
	case jingle.ActionSessionInfo:
		c.handleSessionInfo(req, p, payload)
	case jingle.ActionSessionTerminate:
		c.handleTerminate(req, p, payload)
	case jingle.ActionTransportAccept:
		req.Result(nil)
	case jingle.ActionTransportReject:
		p.Logger().Warn("Participant rejected the transport")
		req.Result(nil)
	default:
		req.Error(stanza.Cancel, stanza.FeatureNotImplemented)
	}
}

// liveSession returns the participant's session when it matches the payload
// sid and has not ended.
func liveSession(p *participant.Participant, payload *jingle.Jingle) *participant.Session {
	s := p.Session()
	if s == nil || s.ID != payload.SID || s.State() == participant.StateEnded {
		return nil
	}
	return s
}

func (c *Conference) handleAccept(req *signaling.IQRequest, p *participant.Participant, payload *jingle.Jingle) {
	session := liveSession(p, payload)
	if session == nil || session.State() != participant.StatePending {
		req.Error(stanza.Modify, stanza.UnexpectedRequest)
		return
	}

	proposed := jingle.SourcesFromContents(payload.Contents)
	if !proposed.IsEmpty() && !p.Type().SendsSources() {
		req.Error(stanza.Auth, stanza.Forbidden)
		return
	}

	accepted, err := c.sources.TryAdd(p.ID(), proposed)
	if err != nil {
		p.Logger().WithError(err).Warn("Rejecting session-accept sources")
		req.Error(validationError(err))
		return
	}

	session.Accept()
	c.markStarted()
	req.Result(nil)
	p.Logger().Info("Session accepted")

	c.pushEndpointState(p, firstTransport(payload.Contents), true)
	if !accepted.IsEmpty() {
		c.fanOut(p.ID(), source.Sources{p.ID(): accepted}, nil)
	}
	c.flushParticipant(p.ID())
}

func (c *Conference) handleSourceAdd(req *signaling.IQRequest, p *participant.Participant, payload *jingle.Jingle) {
	session := liveSession(p, payload)
	if session == nil || session.State() != participant.StateActive {
		req.Error(stanza.Modify, stanza.UnexpectedRequest)
		return
	}
	if !p.Type().SendsSources() {
		req.Error(stanza.Auth, stanza.Forbidden)
		return
	}

	accepted, err := c.sources.TryAdd(p.ID(), jingle.SourcesFromContents(payload.Contents))
	if err != nil {
		req.Error(validationError(err))
		return
	}
	req.Result(nil)

	if !accepted.IsEmpty() {
		c.fanOut(p.ID(), source.Sources{p.ID(): accepted}, nil)
		c.pushEndpointState(p, nil, true)
	}
}

func (c *Conference) handleSourceRemove(req *signaling.IQRequest, p *participant.Participant, payload *jingle.Jingle) {
	session := liveSession(p, payload)
	if session == nil || session.State() != participant.StateActive {
		req.Error(stanza.Modify, stanza.UnexpectedRequest)
		return
	}

	removed, err := c.sources.TryRemove(p.ID(), jingle.SourcesFromContents(payload.Contents))
	if err != nil {
		req.Error(validationError(err))
		return
	}
	req.Result(nil)

	if !removed.IsEmpty() {
		c.fanOut(p.ID(), nil, source.Sources{p.ID(): removed})
		c.pushEndpointState(p, nil, true)
	}
}

func (c *Conference) handleTransportInfo(req *signaling.IQRequest, p *participant.Participant, payload *jingle.Jingle) {
	session := liveSession(p, payload)
	if session == nil {
		req.Error(stanza.Modify, stanza.UnexpectedRequest)
		return
	}

	transport := firstTransport(payload.Contents)
	if transport == nil {
		req.Error(stanza.Modify, stanza.BadRequest)
		return
	}
	req.Result(nil)
	c.pushEndpointState(p, transport, false)
}

// handleSessionInfo processes connectivity reports. An ice-failed carrying a
// stale bridge session id belongs to a superseded allocation and is dropped.
func (c *Conference) handleSessionInfo(req *signaling.IQRequest, p *participant.Participant, payload *jingle.Jingle) {
	session := liveSession(p, payload)
	if session == nil {
		req.Error(stanza.Modify, stanza.UnexpectedRequest)
		return
	}
	req.Result(nil)

	if payload.IceState != jingle.IceStateFailed {
		return
	}
	if payload.BridgeSession != nil && payload.BridgeSession.ID != session.BridgeSessionID {
		p.Logger().WithField("bridge_session", payload.BridgeSession.ID).
			Info("Ignoring ice-failed for a stale bridge session")
		return
	}

	if !p.AllowRestart() {
		p.Logger().Warn("Restart limit hit after ice-failed, ending session")
		c.endParticipantSession(p)
		return
	}
	p.Logger().Info("ICE failed, re-inviting")
	c.reInvite(p, false, "")
}

func (c *Conference) handleTerminate(req *signaling.IQRequest, p *participant.Participant, payload *jingle.Jingle) {
	session := liveSession(p, payload)
	if session == nil {
		req.Error(stanza.Modify, stanza.UnexpectedRequest)
		return
	}
	if payload.BridgeSession != nil && payload.BridgeSession.ID != session.BridgeSessionID {
		p.Logger().WithField("bridge_session", payload.BridgeSession.ID).
			Info("Ignoring terminate for a stale bridge session")
		req.Result(nil)
		return
	}

	restart := payload.BridgeSession != nil && payload.BridgeSession.Restart
	if restart {
		if !p.AllowRestart() {
			req.Error(stanza.Wait, stanza.ResourceConstraint)
			c.endParticipantSession(p)
			return
		}
		req.Result(nil)
		p.Logger().Info("Participant requested a restart")
		c.dropSources(p)
		c.reInvite(p, false, "")
		return
	}

	req.Result(nil)
	p.Logger().Info("Session terminated by participant")
	c.endParticipantSession(p)
}

// endParticipantSession ends the media session and releases its bridge
// endpoint, keeping the participant in the room.
func (c *Conference) endParticipantSession(p *participant.Participant) {
	c.dropSources(p)
	p.EndSession()
	id := p.ID()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), signaling.DefaultRequestTimeout)
		defer cancel()
		c.colibri.RemoveParticipant(ctx, id)
	}()
}

// pushEndpointState mirrors the participant's transport and/or full source
// set to its bridge, off the loop.
func (c *Conference) pushEndpointState(p *participant.Participant, transport *jingle.Transport, withSources bool) {
	update := colibri.ParticipantUpdate{Transport: transport}
	if withSources {
		set := c.sources.Get(p.ID())
		update.Sources = &set
	}

	id := p.ID()
	logger := p.Logger()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), signaling.DefaultRequestTimeout)
		defer cancel()
		if err := c.colibri.UpdateParticipant(ctx, id, update); err != nil && !errors.Is(err, colibri.ErrUnknownEndpoint) {
			logger.WithError(err).Warn("Failed to push endpoint state to bridge")
		}
	}()
}

// fanOut queues the owner's delta on every other receiving participant and
// schedules their coalesced flushes.
func (c *Conference) fanOut(ownerID string, toAdd, toRemove source.Sources) {
	delay := participant.SignalDelay(len(c.participants))
	for nick, q := range c.participants {
		if nick == ownerID || !q.Type().ReceivesSources() {
			continue
		}
		if len(toAdd) > 0 {
			q.Signals().QueueAdd(toAdd)
		}
		if len(toRemove) > 0 {
			q.Signals().QueueRemove(toRemove)
		}
		if q.Signals().Empty() {
			continue
		}
		id := q.ID()
		q.Signals().Schedule(delay, func() {
			c.post(flushSignals{id: id})
		})
	}
}

// flushParticipant emits the pending batches as at most one source-remove
// and one source-add IQ. Sessions that are not active yet keep their queue;
// the accept path flushes them.
func (c *Conference) flushParticipant(id string) {
	p := c.participants[id]
	if p == nil {
		return
	}
	session := p.Session()
	if session == nil || session.State() != participant.StateActive {
		return
	}

	toAdd, toRemove := p.Signals().Flush()
	occupant := p.Occupant()
	logger := p.Logger()

	emit := func(action jingle.Action, sources source.Sources) {
		payload := &jingle.Jingle{
			Action:    action,
			Initiator: c.transport.LocalJID().String(),
			SID:       session.ID,
			Contents:  jingle.ContentsFromSources(sources),
		}
		c.enqueueOutbound(id, func() {
			ctx, cancel := context.WithTimeout(context.Background(), signaling.DefaultRequestTimeout)
			defer cancel()
			if err := c.transport.Request(ctx, occupant, stanza.SetIQ, payload, nil); err != nil {
				logger.WithError(err).WithField("action", string(action)).Warn("Source update failed")
			}
		})
	}

	if len(toRemove) > 0 {
		emit(jingle.ActionSourceRemove, toRemove)
	}
	if len(toAdd) > 0 {
		emit(jingle.ActionSourceAdd, toAdd)
	}
}

// validationError maps a source map rejection onto the signaling taxonomy.
func validationError(err error) (stanza.ErrorType, stanza.Condition) {
	var verr *source.ValidationError
	if !errors.As(err, &verr) {
		return stanza.Cancel, stanza.InternalServerError
	}
	switch verr.Kind {
	case source.SSRCLimitExceeded, source.GroupLimitExceeded:
		return stanza.Wait, stanza.ResourceConstraint
	case source.SourceNotFound, source.GroupNotFound:
		return stanza.Cancel, stanza.ItemNotFound
	default:
		return stanza.Modify, stanza.BadRequest
	}
}

func firstTransport(contents []jingle.Content) *jingle.Transport {
	for _, content := range contents {
		if content.Transport != nil {
			return content.Transport
		}
	}
	return nil
}
