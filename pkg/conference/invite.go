package conference

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"mellium.im/xmpp/stanza"

	"github.com/gracetech-services/jicofo-sub000/pkg/colibri"
	"github.com/gracetech-services/jicofo-sub000/pkg/conference/participant"
	"github.com/gracetech-services/jicofo-sub000/pkg/jingle"
	"github.com/gracetech-services/jicofo-sub000/pkg/signaling"
	"github.com/gracetech-services/jicofo-sub000/pkg/telemetry"
)

// feedbackOwner is the synthetic owner id for sources the bridge itself
// contributes.
const feedbackOwner = "jvb"

// invite allocates a bridge endpoint for the participant and, once the
// allocation lands back in the loop, sends the offer.
func (c *Conference) invite(p *participant.Participant) {
	c.inviteWith(p, false)
}

// reInvite tears the old session down and runs the invite flow again,
// possibly landing on a different bridge.
func (c *Conference) reInvite(p *participant.Participant, sendTerminate bool, reasonCondition string) {
	if sendTerminate && p.Session() != nil && p.Session().State() != participant.StateEnded {
		c.sendTerminate(p, reasonCondition)
	}
	p.EndSession()
	c.inviteWith(p, true)
}

// inviteWith runs the bridge round trips off the loop; the outcome re-enters
// as an allocationOutcome event carrying the invite epoch. expireFirst
// removes a previous endpoint before allocating, in the same goroutine so
// the expire can never outrun the fresh allocation.
func (c *Conference) inviteWith(p *participant.Participant, expireFirst bool) {
	epoch := c.inviteEpoch[p.ID()] + 1
	c.inviteEpoch[p.ID()] = epoch

	desc := colibri.EndpointDesc{
		ID:         p.ID(),
		StatsID:    p.StatsID(),
		Region:     p.Region(),
		MutedAudio: c.startAudioMuted(),
		MutedVideo: c.startVideoMuted(),
		Medias:     []string{"audio", "video"},
		UseSctp:    c.config.EnableSctp,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*signaling.DefaultRequestTimeout)
		defer cancel()

		tel := telemetry.NewTelemetry(ctx, "allocate",
			attribute.String("conference", c.room.String()),
			attribute.String("participant", desc.ID),
		)
		defer tel.End()

		if expireFirst {
			tel.AddEvent("expiring previous endpoint")
			c.colibri.RemoveParticipant(ctx, desc.ID)
		}
		allocation, err := c.colibri.Allocate(ctx, desc)
		if err != nil {
			tel.Fail(err)
		}
		c.post(allocationOutcome{id: desc.ID, epoch: epoch, allocation: allocation, err: err})
	}()
}

// handleAllocation is the loop half of the invite: stale outcomes are rolled
// back, failures end the pending session, successes produce the offer.
func (c *Conference) handleAllocation(ev allocationOutcome) {
	p := c.participants[ev.id]
	if p == nil || c.inviteEpoch[ev.id] != ev.epoch {
		if ev.allocation != nil {
			// The invite was cancelled while the allocation was in flight;
			// the endpoint must not leak on the bridge.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), signaling.DefaultRequestTimeout)
				defer cancel()
				c.colibri.RemoveParticipant(ctx, ev.id)
			}()
		}
		return
	}

	if ev.err != nil {
		if errors.Is(ev.err, colibri.ErrNoBridgeAvailable) {
			p.Logger().Error("No bridge available")
		} else {
			p.Logger().WithError(ev.err).Error("Bridge allocation failed")
		}
		p.EndSession()
		return
	}

	session := p.StartSession(uuid.NewString(), ev.allocation.SessionID)
	offer := c.buildOffer(p, ev.allocation, session)

	sessionID := session.ID
	id := p.ID()
	time.AfterFunc(c.config.inviteTimeout(), func() {
		c.post(inviteTimedOut{id: id, sessionID: sessionID})
	})

	occupant := p.Occupant()
	logger := p.Logger()
	c.enqueueOutbound(id, func() {
		ctx, cancel := context.WithTimeout(context.Background(), signaling.DefaultRequestTimeout)
		defer cancel()
		if err := c.transport.Request(ctx, occupant, stanza.SetIQ, offer, nil); err != nil {
			logger.WithError(err).Warn("Offer was not acknowledged")
		}
	})
	logger.WithField("bridge", ev.allocation.BridgeJID.String()).Info("Sent offer")
}

func (c *Conference) handleInviteTimeout(ev inviteTimedOut) {
	p := c.participants[ev.id]
	if p == nil || p.Session() == nil || p.Session().ID != ev.sessionID {
		return
	}
	if p.Session().State() != participant.StatePending {
		return
	}

	p.Logger().Warn("Offer was not answered in time")
	p.EndSession()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), signaling.DefaultRequestTimeout)
		defer cancel()
		c.colibri.RemoveParticipant(ctx, ev.id)
	}()
}

// buildOffer renders the session-initiate payload: one content per media
// carrying the conference's current sources (the invitee's own excluded, the
// bridge's feedback sources included), the bridge transport, and the bundle
// grouping.
func (c *Conference) buildOffer(p *participant.Participant, allocation *colibri.Allocation, session *participant.Session) *jingle.Jingle {
	snapshot := c.sources.Snapshot()
	delete(snapshot, p.ID())
	if !allocation.FeedbackSources.IsEmpty() {
		snapshot[feedbackOwner] = allocation.FeedbackSources
	}
	if !p.Type().ReceivesSources() {
		snapshot = nil
	}

	contents := jingle.ContentsFromSources(snapshot)
	for _, media := range []string{"audio", "video"} {
		found := false
		for _, content := range contents {
			if content.Name == media {
				found = true
				break
			}
		}
		if !found {
			contents = append(contents, jingle.Content{
				Creator:     "initiator",
				Name:        media,
				Senders:     "both",
				Description: &jingle.Description{Media: media},
			})
		}
	}

	transport := allocation.Transport.IceUdp
	if transport == nil {
		transport = &jingle.Transport{}
	}
	if allocation.Transport.Sctp != nil {
		transport.Sctp = &jingle.SctpMap{
			Port:     allocation.Transport.Sctp.Port,
			Protocol: "webrtc-datachannel",
			Streams:  1024,
		}
	}
	names := make([]string, 0, len(contents))
	for i := range contents {
		contents[i].Transport = transport
		names = append(names, contents[i].Name)
	}

	offer := &jingle.Jingle{
		Action:    jingle.ActionSessionInitiate,
		Initiator: c.transport.LocalJID().String(),
		SID:       session.ID,
		Contents:  contents,
		BridgeSession: &jingle.BridgeSession{
			ID:     session.BridgeSessionID,
			Region: allocation.BridgeRegion,
		},
	}
	if len(contents) > 1 {
		offer.Group = jingle.BundleGroup(names...)
	}
	return offer
}

// startAudioMuted applies the muted-on-join threshold to the current count
// of potential senders.
func (c *Conference) startAudioMuted() bool {
	return c.senderCount() >= c.config.StartAudioMutedThreshold
}

func (c *Conference) startVideoMuted() bool {
	return c.senderCount() >= c.config.StartVideoMutedThreshold
}

func (c *Conference) senderCount() int {
	n := 0
	for _, p := range c.participants {
		if p.Type().SendsSources() {
			n++
		}
	}
	return n
}

// sendTerminate emits a session-terminate with the given reason condition on
// the participant's serial sender.
func (c *Conference) sendTerminate(p *participant.Participant, reasonCondition string) {
	session := p.Session()
	if session == nil {
		return
	}
	if reasonCondition == "" {
		reasonCondition = string(jingle.ReasonSuccess)
	}

	payload := &jingle.Jingle{
		Action: jingle.ActionSessionTerminate,
		SID:    session.ID,
		Reason: &jingle.Reason{Condition: jingle.ReasonCondition(reasonCondition)},
		BridgeSession: &jingle.BridgeSession{
			ID: session.BridgeSessionID,
		},
	}

	occupant := p.Occupant()
	c.enqueueOutbound(p.ID(), func() {
		c.transport.Send(occupant, payload)
	})
}
