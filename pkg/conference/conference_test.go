package conference

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync"
	"testing"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/gracetech-services/jicofo-sub000/pkg/bridge"
	"github.com/gracetech-services/jicofo-sub000/pkg/colibri"
	"github.com/gracetech-services/jicofo-sub000/pkg/conference/source"
	"github.com/gracetech-services/jicofo-sub000/pkg/jingle"
	"github.com/gracetech-services/jicofo-sub000/pkg/signaling"
)

const waitTimeout = 3 * time.Second

// fakeRoom stands in for a joined chat room: the test feeds occupant events
// through it.
type fakeRoom struct {
	room     jid.JID
	occupant jid.JID
	events   chan signaling.OccupantEvent
	messages chan signaling.MessageEvent

	mutex sync.Mutex
	left  bool
}

func newFakeRoom(t *testing.T, room jid.JID, nick string) *fakeRoom {
	t.Helper()
	occupant, err := room.WithResource(nick)
	if err != nil {
		t.Fatalf("bad nick %q: %v", nick, err)
	}
	return &fakeRoom{
		room:     room.Bare(),
		occupant: occupant,
		events:   make(chan signaling.OccupantEvent, 64),
		messages: make(chan signaling.MessageEvent, 16),
	}
}

func (r *fakeRoom) Events() <-chan signaling.OccupantEvent { return r.events }
func (r *fakeRoom) Messages() <-chan signaling.MessageEvent { return r.messages }
func (r *fakeRoom) Room() jid.JID { return r.room }
func (r *fakeRoom) Occupant() jid.JID { return r.occupant }
func (r *fakeRoom) SendPresence(context.Context, xml.TokenReader) error { return nil }

func (r *fakeRoom) Leave(context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.left = true
	return nil
}

type sentIQ struct {
	to      jid.JID
	payload *jingle.Jingle
}

// fakeTransport plays both sides of the signaling fabric: bridge requests are
// answered like a healthy bridge, negotiation IQs towards participants are
// recorded and acked.
type fakeTransport struct {
	t     *testing.T
	local jid.JID
	room  *fakeRoom

	offers        chan sentIQ
	sourceAdds    chan sentIQ
	sourceRemoves chan sentIQ
	terminates    chan sentIQ

	registration chan bool
}

func newFakeTransport(t *testing.T, room *fakeRoom) *fakeTransport {
	t.Helper()
	local, err := jid.Parse("focus@auth.example.com/focus")
	if err != nil {
		t.Fatal(err)
	}
	return &fakeTransport{
		t:             t,
		local:         local,
		room:          room,
		offers:        make(chan sentIQ, 16),
		sourceAdds:    make(chan sentIQ, 16),
		sourceRemoves: make(chan sentIQ, 16),
		terminates:    make(chan sentIQ, 16),
		registration:  make(chan bool, 4),
	}
}

func (f *fakeTransport) LocalJID() jid.JID { return f.local }
func (f *fakeTransport) RegistrationEvents() <-chan bool { return f.registration }

func (f *fakeTransport) RegisterIQHandler(xml.Name, func() interface{}, signaling.IQHandlerFunc) {
}

func (f *fakeTransport) JoinMUC(ctx context.Context, room jid.JID, nick string) (signaling.Room, error) {
	return f.room, nil
}

func (f *fakeTransport) Request(ctx context.Context, to jid.JID, typ stanza.IQType, payload, result interface{}) error {
	switch p := payload.(type) {
	case *colibri.ConferenceModify:
		resp, ok := result.(*colibri.ConferenceModified)
		if !ok {
			return nil
		}
		for _, e := range p.Endpoints {
			if e.Expire {
				continue
			}
			resp.Endpoints = append(resp.Endpoints, colibri.Endpoint{
				ID:        e.ID,
				Transport: &colibri.Transport{IceUdp: &jingle.Transport{Ufrag: "bridge-frag"}},
			})
		}
		for _, r := range p.Relays {
			if r.Expire {
				continue
			}
			resp.Relays = append(resp.Relays, colibri.Relay{
				ID:        r.ID,
				Transport: &colibri.Transport{IceUdp: &jingle.Transport{Ufrag: "relay-frag"}},
			})
		}
		return nil
	case *jingle.Jingle:
		f.record(sentIQ{to: to, payload: p})
		return nil
	default:
		return fmt.Errorf("unexpected request payload %T", payload)
	}
}

func (f *fakeTransport) Send(to jid.JID, payload interface{}) {
	if p, ok := payload.(*jingle.Jingle); ok {
		f.record(sentIQ{to: to, payload: p})
	}
}

func (f *fakeTransport) record(iq sentIQ) {
	var ch chan sentIQ
	switch iq.payload.Action {
	case jingle.ActionSessionInitiate:
		ch = f.offers
	case jingle.ActionSourceAdd:
		ch = f.sourceAdds
	case jingle.ActionSourceRemove:
		ch = f.sourceRemoves
	case jingle.ActionSessionTerminate:
		ch = f.terminates
	default:
		f.t.Errorf("unexpected outbound action %s", iq.payload.Action)
		return
	}
	select {
	case ch <- iq:
	default:
		f.t.Errorf("outbound channel full for %s", iq.payload.Action)
	}
}

type conferenceFixture struct {
	t         *testing.T
	room      jid.JID
	transport *fakeTransport
	fakeRoom  *fakeRoom
	conf      *Conference
	ended     chan string
}

func startConference(t *testing.T) *conferenceFixture {
	t.Helper()

	room, err := jid.Parse("test@conference.example.com")
	if err != nil {
		t.Fatal(err)
	}
	fr := newFakeRoom(t, room, FocusNick)
	transport := newFakeTransport(t, fr)

	catalog := bridge.NewCatalog()
	bridgeAddr, err := jid.Parse("jvb@auth.example.com/jvb-1")
	if err != nil {
		t.Fatal(err)
	}
	catalog.Upsert(bridgeAddr, bridge.Status{Stress: 0.1})

	ended := make(chan string, 1)
	conf := New(room, Config{}, transport, catalog, func(_ jid.JID, reason string) {
		ended <- reason
	})
	if err := conf.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		conf.Stop("test over")
		select {
		case <-ended:
		case <-time.After(time.Second):
		}
	})

	fx := &conferenceFixture{t: t, room: room, transport: transport, fakeRoom: fr, conf: conf, ended: ended}
	fx.selfJoins()
	return fx
}

func (fx *conferenceFixture) selfJoins() {
	fx.fakeRoom.events <- signaling.OccupantEvent{
		Type:     signaling.OccupantJoined,
		Occupant: fx.fakeRoom.occupant,
		Nick:     FocusNick,
		Role:     "moderator",
		Self:     true,
	}
}

func (fx *conferenceFixture) join(nick string) jid.JID {
	fx.t.Helper()
	occupant, err := fx.room.WithResource(nick)
	if err != nil {
		fx.t.Fatal(err)
	}
	fx.fakeRoom.events <- signaling.OccupantEvent{
		Type:     signaling.OccupantJoined,
		Occupant: occupant,
		Nick:     nick,
		Role:     "participant",
	}
	return occupant
}

func (fx *conferenceFixture) leave(nick string) {
	fx.t.Helper()
	occupant, _ := fx.room.WithResource(nick)
	fx.fakeRoom.events <- signaling.OccupantEvent{
		Type:     signaling.OccupantLeft,
		Occupant: occupant,
		Nick:     nick,
	}
}

func (fx *conferenceFixture) awaitOffer(to jid.JID) *jingle.Jingle {
	fx.t.Helper()
	select {
	case iq := <-fx.transport.offers:
		if !iq.to.Equal(to) {
			fx.t.Fatalf("offer went to %s, expected %s", iq.to, to)
		}
		return iq.payload
	case <-time.After(waitTimeout):
		fx.t.Fatalf("no offer for %s", to)
		return nil
	}
}

// sendJingle injects an inbound negotiation IQ and returns the reply.
func (fx *conferenceFixture) sendJingle(from jid.JID, payload *jingle.Jingle) (result interface{}, stanzaErr *stanza.Error) {
	fx.t.Helper()

	replied := make(chan struct{})
	req := signaling.NewIQRequest(
		stanza.IQ{ID: "iq-1", From: from, To: fx.transport.local, Type: stanza.SetIQ},
		payload,
		func(r interface{}, e *stanza.Error) {
			result, stanzaErr = r, e
			close(replied)
		},
	)
	fx.conf.HandleJingle(req, payload)

	select {
	case <-replied:
	case <-time.After(waitTimeout):
		fx.t.Fatal("no reply to the injected IQ")
	}
	return result, stanzaErr
}

func (fx *conferenceFixture) accept(from jid.JID, offer *jingle.Jingle, sources ...source.Source) {
	fx.t.Helper()
	accept := &jingle.Jingle{
		Action:   jingle.ActionSessionAccept,
		SID:      offer.SID,
		Contents: jingle.ContentsFromSources(source.Sources{from.Resourcepart(): {Sources: sources}}),
	}
	if _, stanzaErr := fx.sendJingle(from, accept); stanzaErr != nil {
		fx.t.Fatalf("accept rejected: %+v", stanzaErr)
	}
}

func TestConferenceHappyPath(t *testing.T) {
	fx := startConference(t)

	alice := fx.join("alice")
	offer := fx.awaitOffer(alice)

	if offer.SID == "" {
		t.Fatal("offer must carry a session id")
	}
	if offer.BridgeSession == nil || offer.BridgeSession.ID == "" {
		t.Fatal("offer must carry the bridge session id")
	}
	if len(offer.Contents) != 2 {
		t.Fatalf("offer must have audio and video contents, got %d", len(offer.Contents))
	}
	for _, content := range offer.Contents {
		if content.Transport == nil || content.Transport.Ufrag != "bridge-frag" {
			t.Fatalf("content %s must carry the bridge transport", content.Name)
		}
	}
	if fx.conf.Started() {
		t.Fatal("conference must not count as started before an accept")
	}

	fx.accept(alice, offer, source.Source{MediaType: source.MediaAudio, SSRC: 1001, MSID: "alice-a"})
	if !fx.conf.Started() {
		t.Fatal("accept must mark the conference started")
	}
	if fx.conf.Population() != 1 {
		t.Fatalf("population = %d", fx.conf.Population())
	}
}

func TestAcceptForWrongSessionIsRejected(t *testing.T) {
	fx := startConference(t)

	alice := fx.join("alice")
	fx.awaitOffer(alice)

	stale := &jingle.Jingle{Action: jingle.ActionSessionAccept, SID: "not-the-offer"}
	_, stanzaErr := fx.sendJingle(alice, stale)
	if stanzaErr == nil || stanzaErr.Condition != stanza.UnexpectedRequest {
		t.Fatalf("expected unexpected-request, got %+v", stanzaErr)
	}
}

func TestJingleFromStrangerIsRejected(t *testing.T) {
	fx := startConference(t)
	fx.join("alice")

	stranger, err := fx.room.WithResource("mallory")
	if err != nil {
		t.Fatal(err)
	}
	_, stanzaErr := fx.sendJingle(stranger, &jingle.Jingle{Action: jingle.ActionSessionAccept, SID: "x"})
	if stanzaErr == nil || stanzaErr.Condition != stanza.ItemNotFound {
		t.Fatalf("expected item-not-found, got %+v", stanzaErr)
	}
}

func TestSourcesFanOutToOtherParticipants(t *testing.T) {
	fx := startConference(t)

	alice := fx.join("alice")
	aliceOffer := fx.awaitOffer(alice)
	fx.accept(alice, aliceOffer, source.Source{MediaType: source.MediaAudio, SSRC: 1001, MSID: "alice-a"})

	bob := fx.join("bob")
	bobOffer := fx.awaitOffer(bob)

	// Bob's offer advertises what the room already has: alice's audio plus
	// the bridge's feedback sources.
	bobSees := jingle.SourcesFromContents(bobOffer.Contents)
	if _, ok := bobSees.Get(source.Key{MediaType: source.MediaAudio, SSRC: 1001}); !ok {
		t.Fatalf("bob's offer must include alice's source, got %s", bobSees)
	}

	fx.accept(bob, bobOffer, source.Source{MediaType: source.MediaAudio, SSRC: 2001, MSID: "bob-a"})

	// Alice hears about bob's source through the coalesced fan-out.
	select {
	case iq := <-fx.transport.sourceAdds:
		if !iq.to.Equal(alice) {
			t.Fatalf("source-add went to %s", iq.to)
		}
		added := jingle.SourcesFromContents(iq.payload.Contents)
		if _, ok := added.Get(source.Key{MediaType: source.MediaAudio, SSRC: 2001}); !ok {
			t.Fatalf("source-add must carry bob's source, got %s", added)
		}
	case <-time.After(waitTimeout):
		t.Fatal("alice never received the source-add")
	}
}

func TestLeavingParticipantSourcesAreRemoved(t *testing.T) {
	fx := startConference(t)

	alice := fx.join("alice")
	fx.accept(alice, fx.awaitOffer(alice), source.Source{MediaType: source.MediaAudio, SSRC: 1001, MSID: "alice-a"})
	bob := fx.join("bob")
	fx.accept(bob, fx.awaitOffer(bob), source.Source{MediaType: source.MediaAudio, SSRC: 2001, MSID: "bob-a"})

	// Drain alice's pending source-add for bob so the remove is unambiguous.
	select {
	case <-fx.transport.sourceAdds:
	case <-time.After(waitTimeout):
		t.Fatal("expected a source-add first")
	}

	fx.leave("bob")

	select {
	case iq := <-fx.transport.sourceRemoves:
		if !iq.to.Equal(alice) {
			t.Fatalf("source-remove went to %s", iq.to)
		}
		removed := jingle.SourcesFromContents(iq.payload.Contents)
		if _, ok := removed.Get(source.Key{MediaType: source.MediaAudio, SSRC: 2001}); !ok {
			t.Fatalf("source-remove must carry bob's source, got %s", removed)
		}
	case <-time.After(waitTimeout):
		t.Fatal("alice never received the source-remove")
	}
}

func TestStopTerminatesActiveSessions(t *testing.T) {
	fx := startConference(t)

	alice := fx.join("alice")
	fx.accept(alice, fx.awaitOffer(alice), source.Source{MediaType: source.MediaAudio, SSRC: 1001, MSID: "alice-a"})

	fx.conf.Stop("operator request")

	select {
	case iq := <-fx.transport.terminates:
		if !iq.to.Equal(alice) {
			t.Fatalf("terminate went to %s", iq.to)
		}
		if iq.payload.Reason == nil || iq.payload.Reason.Condition != jingle.ReasonGone {
			t.Fatalf("terminate must carry the gone reason, got %+v", iq.payload.Reason)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no terminate on stop")
	}

	select {
	case reason := <-fx.ended:
		if reason != "operator request" {
			t.Fatalf("ended with %q", reason)
		}
	case <-time.After(waitTimeout):
		t.Fatal("conference never reported its end")
	}
}

func TestRestartRequestReinvites(t *testing.T) {
	fx := startConference(t)

	alice := fx.join("alice")
	offer := fx.awaitOffer(alice)
	fx.accept(alice, offer, source.Source{MediaType: source.MediaAudio, SSRC: 1001, MSID: "alice-a"})

	restart := &jingle.Jingle{
		Action: jingle.ActionSessionTerminate,
		SID:    offer.SID,
		Reason: &jingle.Reason{Condition: jingle.ReasonConnectivityError},
		BridgeSession: &jingle.BridgeSession{
			ID:      offer.BridgeSession.ID,
			Restart: true,
		},
	}
	if _, stanzaErr := fx.sendJingle(alice, restart); stanzaErr != nil {
		t.Fatalf("restart rejected: %+v", stanzaErr)
	}

	second := fx.awaitOffer(alice)
	if second.SID == offer.SID {
		t.Fatal("a restart must produce a fresh session")
	}
}

func TestRapidRestartIsRefused(t *testing.T) {
	fx := startConference(t)

	alice := fx.join("alice")
	offer := fx.awaitOffer(alice)
	fx.accept(alice, offer, source.Source{MediaType: source.MediaAudio, SSRC: 1001, MSID: "alice-a"})

	restart := func(offer *jingle.Jingle) (interface{}, *stanza.Error) {
		return fx.sendJingle(alice, &jingle.Jingle{
			Action: jingle.ActionSessionTerminate,
			SID:    offer.SID,
			Reason: &jingle.Reason{Condition: jingle.ReasonConnectivityError},
			BridgeSession: &jingle.BridgeSession{
				ID:      offer.BridgeSession.ID,
				Restart: true,
			},
		})
	}

	if _, stanzaErr := restart(offer); stanzaErr != nil {
		t.Fatalf("first restart rejected: %+v", stanzaErr)
	}
	second := fx.awaitOffer(alice)

	// Asking again right away trips the rate limit: the request is refused
	// and the session is taken down.
	_, stanzaErr := restart(second)
	if stanzaErr == nil || stanzaErr.Type != stanza.Wait || stanzaErr.Condition != stanza.ResourceConstraint {
		t.Fatalf("expected resource-constraint, got %+v", stanzaErr)
	}

	accept := &jingle.Jingle{Action: jingle.ActionSessionAccept, SID: second.SID}
	if _, stanzaErr := fx.sendJingle(alice, accept); stanzaErr == nil || stanzaErr.Condition != stanza.UnexpectedRequest {
		t.Fatalf("the refused session must be gone, got %+v", stanzaErr)
	}
}

func TestIceFailedTriggersReinvite(t *testing.T) {
	fx := startConference(t)

	alice := fx.join("alice")
	offer := fx.awaitOffer(alice)
	fx.accept(alice, offer, source.Source{MediaType: source.MediaAudio, SSRC: 1001, MSID: "alice-a"})

	iceFailed := &jingle.Jingle{
		Action:        jingle.ActionSessionInfo,
		SID:           offer.SID,
		IceState:      jingle.IceStateFailed,
		BridgeSession: &jingle.BridgeSession{ID: offer.BridgeSession.ID},
	}
	if _, stanzaErr := fx.sendJingle(alice, iceFailed); stanzaErr != nil {
		t.Fatalf("ice-failed must be acked, got %+v", stanzaErr)
	}

	second := fx.awaitOffer(alice)
	if second.SID == offer.SID {
		t.Fatal("ice-failed must produce a fresh session")
	}
}

func TestIceFailedForStaleBridgeSessionIsIgnored(t *testing.T) {
	fx := startConference(t)

	alice := fx.join("alice")
	offer := fx.awaitOffer(alice)
	fx.accept(alice, offer, source.Source{MediaType: source.MediaAudio, SSRC: 1001, MSID: "alice-a"})

	stale := &jingle.Jingle{
		Action:        jingle.ActionSessionInfo,
		SID:           offer.SID,
		IceState:      jingle.IceStateFailed,
		BridgeSession: &jingle.BridgeSession{ID: "some-older-bridge-session"},
	}
	if _, stanzaErr := fx.sendJingle(alice, stale); stanzaErr != nil {
		t.Fatalf("stale ice-failed must be acked, got %+v", stanzaErr)
	}

	select {
	case iq := <-fx.transport.offers:
		t.Fatalf("stale ice-failed must not re-invite, got offer for %s", iq.to)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStaleTerminateIsIgnored(t *testing.T) {
	fx := startConference(t)

	alice := fx.join("alice")
	offer := fx.awaitOffer(alice)
	fx.accept(alice, offer, source.Source{MediaType: source.MediaAudio, SSRC: 1001, MSID: "alice-a"})

	stale := &jingle.Jingle{
		Action: jingle.ActionSessionTerminate,
		SID:    offer.SID,
		BridgeSession: &jingle.BridgeSession{
			ID:      "some-older-bridge-session",
			Restart: true,
		},
	}
	if _, stanzaErr := fx.sendJingle(alice, stale); stanzaErr != nil {
		t.Fatalf("stale terminate must be acked, got %+v", stanzaErr)
	}

	// The session survives: a source-add on it still works.
	add := &jingle.Jingle{
		Action:   jingle.ActionSourceAdd,
		SID:      offer.SID,
		Contents: jingle.ContentsFromSources(source.Sources{"alice": {Sources: []source.Source{{MediaType: source.MediaVideo, SSRC: 1002, MSID: "alice-v"}}}}),
	}
	if _, stanzaErr := fx.sendJingle(alice, add); stanzaErr != nil {
		t.Fatalf("session should still be active, got %+v", stanzaErr)
	}
}
