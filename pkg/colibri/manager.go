package colibri

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/gracetech-services/jicofo-sub000/pkg/bridge"
	"github.com/gracetech-services/jicofo-sub000/pkg/conference/source"
	"github.com/gracetech-services/jicofo-sub000/pkg/jingle"
	"github.com/gracetech-services/jicofo-sub000/pkg/signaling"
)

// ErrNoBridgeAvailable means every candidate bridge was either unusable or
// already failed for this conference.
var ErrNoBridgeAvailable = errors.New("colibri: no bridge available")

// ErrUnknownEndpoint means the endpoint has no allocation on any bridge.
var ErrUnknownEndpoint = errors.New("colibri: unknown endpoint")

// BridgeError wraps a failed exchange with one bridge; the bridge has been
// excluded for the conference by the time it is returned.
type BridgeError struct {
	Bridge jid.JID
	Err    error
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("colibri: bridge %s: %v", e.Bridge, e.Err)
}

func (e *BridgeError) Unwrap() error { return e.Err }

// Requester performs one conference-modify exchange. The production
// implementation rides the signaling transport; tests script it.
type Requester interface {
	Request(ctx context.Context, to jid.JID, req *ConferenceModify) (*ConferenceModified, error)
}

type transportRequester struct {
	transport signaling.Transport
}

// NewRequester adapts the signaling transport into a Requester.
func NewRequester(t signaling.Transport) Requester {
	return transportRequester{transport: t}
}

func (r transportRequester) Request(ctx context.Context, to jid.JID, req *ConferenceModify) (*ConferenceModified, error) {
	var resp ConferenceModified
	if err := r.transport.Request(ctx, to, stanza.SetIQ, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EndpointDesc describes a participant to allocate on a bridge.
type EndpointDesc struct {
	ID         string
	StatsID    string
	Region     string
	MutedAudio bool
	MutedVideo bool
	// Medias the endpoint will use, normally audio and video.
	Medias []string
	// UseSctp opens an SCTP association for the bridge channel.
	UseSctp bool
}

// Allocation is the outcome of placing an endpoint on a bridge.
type Allocation struct {
	// SessionID identifies the bridge session the endpoint landed on. Offers
	// derived from this allocation carry it so that stale restart requests
	// can be told apart after a re-invite.
	SessionID    string
	BridgeJID    jid.JID
	BridgeRegion string
	// Transport is the bridge's ICE answer for the endpoint.
	Transport *Transport
	// FeedbackSources are the bridge-owned sources to advertise in offers.
	FeedbackSources source.EndpointSources
}

// ParticipantUpdate carries the mutable endpoint state pushed to a bridge.
// Nil fields are left untouched.
type ParticipantUpdate struct {
	Transport  *jingle.Transport
	Sources    *source.EndpointSources
	MutedAudio *bool
	MutedVideo *bool
	ForceMute  *ForceMute
}

// session is one bridge's share of the conference.
type session struct {
	id        string
	bridge    bridge.Bridge
	endpoints map[string]*relayEndpoint
	// relays already created towards this bridge, by peer relay id.
	relays map[string]bool
}

// relayEndpoint is what peer bridges need to know about one endpoint: the
// medias it negotiates and the sources it currently advertises.
type relayEndpoint struct {
	medias  []string
	sources source.EndpointSources
}

// mirror renders the endpoint for a relay section on a peer bridge.
func (e *relayEndpoint) mirror(id string, create bool) Endpoint {
	out := Endpoint{ID: id, Create: create, Sources: WireSources(e.sources)}
	if create {
		for _, media := range e.medias {
			out.Medias = append(out.Medias, Media{Type: media})
		}
	}
	return out
}

func (s *session) relayID() string {
	if s.bridge.RelayID != "" {
		return s.bridge.RelayID
	}
	return s.bridge.JID.String()
}

// SessionManager owns the bridge side of one conference: which bridges carry
// it, which endpoints sit on which bridge, and the relay mesh between them.
//
// All operations are serialized on opMutex, so at most one conference-modify
// exchange per conference is in flight and relay setup can never interleave
// with allocation. The state mutex only guards reads from other goroutines.
type SessionManager struct {
	opMutex sync.Mutex

	mutex    sync.Mutex
	sessions map[string]*session
	failed   map[string]bool

	requester Requester
	selector  *bridge.Selector
	logger    *logrus.Entry

	// meetingID is the stable conference identifier on the bridge side.
	meetingID string
	roomName  string
	meshID    string
	// pinnedVersion restricts selection to bridges of one version.
	pinnedVersion string
}

func NewSessionManager(requester Requester, selector *bridge.Selector, meetingID, roomName, meshID, pinnedVersion string) *SessionManager {
	return &SessionManager{
		sessions:  make(map[string]*session),
		failed:    make(map[string]bool),
		requester: requester,
		selector:  selector,
		logger: logrus.WithFields(logrus.Fields{
			"component": "colibri",
			"room":      roomName,
		}),
		meetingID:     meetingID,
		roomName:      roomName,
		meshID:        meshID,
		pinnedVersion: pinnedVersion,
	}
}

// MeetingID returns the bridge-side conference identifier.
func (m *SessionManager) MeetingID() string { return m.meetingID }

// Allocate places the endpoint on a bridge, retrying over the remaining
// candidates when a bridge fails. A bridge that fails an allocation is
// excluded for this conference permanently; global availability is the
// detector's call, not ours.
func (m *SessionManager) Allocate(ctx context.Context, desc EndpointDesc) (*Allocation, error) {
	m.opMutex.Lock()
	defer m.opMutex.Unlock()

	for {
		chosen, ok := m.selector.Select(bridge.Constraints{
			Version:           m.pinnedVersion,
			ParticipantRegion: desc.Region,
			InUse:             m.inUse(),
			Excluded:          m.failedSet(),
		})
		if !ok {
			return nil, ErrNoBridgeAvailable
		}

		allocation, err := m.allocateOn(ctx, chosen, desc)
		if err == nil {
			return allocation, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		m.logger.WithError(err).WithField("bridge", chosen.JID.String()).
			Warn("Allocation failed, excluding bridge")
		m.markFailed(chosen.JID)
	}
}

func (m *SessionManager) allocateOn(ctx context.Context, b bridge.Bridge, desc EndpointDesc) (*Allocation, error) {
	s, created := m.getOrCreateSession(b)

	endpoint := Endpoint{
		ID:         desc.ID,
		Create:     true,
		StatsID:    desc.StatsID,
		MutedAudio: desc.MutedAudio,
		MutedVideo: desc.MutedVideo,
		Transport:  &Transport{IceControlling: true},
	}
	for _, media := range desc.Medias {
		endpoint.Medias = append(endpoint.Medias, Media{Type: media})
	}
	if desc.UseSctp {
		endpoint.Transport.Sctp = &Sctp{Role: "server", Port: 5000}
	}

	req := &ConferenceModify{
		MeetingID: m.meetingID,
		Name:      m.roomName,
		Create:    created,
		Endpoints: []Endpoint{endpoint},
	}

	resp, err := m.requester.Request(ctx, b.JID, req)
	if err != nil {
		m.removeEmptySession(b.JID)
		return nil, &BridgeError{Bridge: b.JID, Err: err}
	}

	var transport *Transport
	for _, e := range resp.Endpoints {
		if e.ID == desc.ID {
			transport = e.Transport
		}
	}
	if transport == nil {
		m.removeEmptySession(b.JID)
		return nil, &BridgeError{Bridge: b.JID, Err: errors.New("response missing endpoint transport")}
	}

	feedback, untyped := ParseSources(resp.Sources)
	if untyped > 0 {
		m.logger.WithField("bridge", b.JID.String()).WithField("count", untyped).
			Warn("Dropping untyped media sources from bridge")
	}

	m.mutex.Lock()
	s.endpoints[desc.ID] = &relayEndpoint{medias: desc.Medias}
	m.mutex.Unlock()

	if created {
		// meshIn announces the fresh session's endpoints, this one included.
		if err := m.meshIn(ctx, s); err != nil {
			// The endpoint is placed; a torn relay degrades cross-bridge
			// media but does not fail the allocation.
			m.logger.WithError(err).Warn("Relay setup failed")
		}
	} else {
		m.mirrorToPeers(ctx, s, []Endpoint{{ID: desc.ID, Create: true, Medias: endpoint.Medias}})
	}

	return &Allocation{
		SessionID:       s.id,
		BridgeJID:       b.JID,
		BridgeRegion:    b.Region,
		Transport:       transport,
		FeedbackSources: feedback,
	}, nil
}

// meshIn connects a freshly created session to every existing session,
// keeping the full mesh invariant. For each peer the relay is created on the
// new bridge first; the returned transport is then offered to the peer, and
// the peer's answer is pushed back.
func (m *SessionManager) meshIn(ctx context.Context, fresh *session) error {
	for _, peer := range m.peerSessions(fresh) {
		if err := m.connectRelay(ctx, fresh, peer); err != nil {
			return err
		}
	}
	return nil
}

func (m *SessionManager) connectRelay(ctx context.Context, a, b *session) error {
	if a.relays[b.relayID()] {
		return fmt.Errorf("relay %s already exists on %s", b.relayID(), a.bridge.JID)
	}

	// Step 1: create the relay on a, collecting its transport offer.
	offer, err := m.relayRequest(ctx, a, Relay{
		ID:     b.relayID(),
		Create: true,
		MeshID: m.meshID,
	})
	if err != nil {
		return err
	}

	// Step 2: create the mirror relay on b with a's offer attached.
	answer, err := m.relayRequest(ctx, b, Relay{
		ID:        a.relayID(),
		Create:    true,
		MeshID:    m.meshID,
		Transport: offer,
	})
	if err != nil {
		return err
	}

	// Step 3: complete a's relay with b's answer.
	if _, err := m.relayRequest(ctx, a, Relay{
		ID:        b.relayID(),
		Transport: answer,
	}); err != nil {
		return err
	}

	a.relays[b.relayID()] = true
	b.relays[a.relayID()] = true

	// Step 4: each side learns the other's endpoints, so media crosses the
	// relay from the start.
	if err := m.announceEndpoints(ctx, a, b); err != nil {
		return err
	}
	return m.announceEndpoints(ctx, b, a)
}

// announceEndpoints mirrors every endpoint of home into the peer's relay
// section towards home.
func (m *SessionManager) announceEndpoints(ctx context.Context, home, peer *session) error {
	mirrors := m.endpointMirrors(home, true)
	if len(mirrors) == 0 {
		return nil
	}
	req := &ConferenceModify{
		MeetingID: m.meetingID,
		Name:      m.roomName,
		Relays:    []Relay{{ID: home.relayID(), Endpoints: mirrors}},
	}
	if _, err := m.requester.Request(ctx, peer.bridge.JID, req); err != nil {
		return &BridgeError{Bridge: peer.bridge.JID, Err: err}
	}
	return nil
}

// mirrorToPeers pushes endpoint changes on home into every connected peer's
// relay section. A failed mirror degrades cross-bridge media but never fails
// the local operation.
func (m *SessionManager) mirrorToPeers(ctx context.Context, home *session, endpoints []Endpoint) {
	for _, peer := range m.peerSessions(home) {
		if !peer.relays[home.relayID()] {
			continue
		}
		req := &ConferenceModify{
			MeetingID: m.meetingID,
			Name:      m.roomName,
			Relays:    []Relay{{ID: home.relayID(), Endpoints: endpoints}},
		}
		if _, err := m.requester.Request(ctx, peer.bridge.JID, req); err != nil {
			m.logger.WithError(err).WithField("bridge", peer.bridge.JID.String()).
				Warn("Failed to mirror endpoints over the relay")
		}
	}
}

func (m *SessionManager) endpointMirrors(s *session, create bool) []Endpoint {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]Endpoint, 0, len(s.endpoints))
	for id, e := range s.endpoints {
		out = append(out, e.mirror(id, create))
	}
	return out
}

// relayRequest sends one relay element and returns the relay transport from
// the response, if any.
func (m *SessionManager) relayRequest(ctx context.Context, s *session, relay Relay) (*Transport, error) {
	req := &ConferenceModify{
		MeetingID: m.meetingID,
		Name:      m.roomName,
		Relays:    []Relay{relay},
	}
	resp, err := m.requester.Request(ctx, s.bridge.JID, req)
	if err != nil {
		return nil, &BridgeError{Bridge: s.bridge.JID, Err: err}
	}
	for _, r := range resp.Relays {
		if r.ID == relay.ID && r.Transport != nil {
			return r.Transport, nil
		}
	}
	return nil, nil
}

// UpdateParticipant pushes endpoint state to the bridge holding it.
func (m *SessionManager) UpdateParticipant(ctx context.Context, endpointID string, update ParticipantUpdate) error {
	m.opMutex.Lock()
	defer m.opMutex.Unlock()

	s := m.sessionOf(endpointID)
	if s == nil {
		return ErrUnknownEndpoint
	}

	endpoint := Endpoint{ID: endpointID}
	if update.Transport != nil {
		endpoint.Transport = &Transport{IceUdp: update.Transport}
	}
	if update.Sources != nil {
		endpoint.Sources = WireSources(*update.Sources)
	}
	if update.MutedAudio != nil {
		endpoint.MutedAudio = *update.MutedAudio
	}
	if update.MutedVideo != nil {
		endpoint.MutedVideo = *update.MutedVideo
	}
	endpoint.ForceMute = update.ForceMute

	req := &ConferenceModify{
		MeetingID: m.meetingID,
		Name:      m.roomName,
		Endpoints: []Endpoint{endpoint},
	}
	if _, err := m.requester.Request(ctx, s.bridge.JID, req); err != nil {
		return &BridgeError{Bridge: s.bridge.JID, Err: err}
	}

	// Peer bridges track the endpoint's sources through the relay.
	if update.Sources != nil {
		m.mutex.Lock()
		if e := s.endpoints[endpointID]; e != nil {
			e.sources = *update.Sources
		}
		m.mutex.Unlock()
		m.mirrorToPeers(ctx, s, []Endpoint{{ID: endpointID, Sources: WireSources(*update.Sources)}})
	}
	return nil
}

// RemoveParticipant expires the endpoint; a session left with no endpoints
// is expired on the bridge and unmeshed.
func (m *SessionManager) RemoveParticipant(ctx context.Context, endpointID string) error {
	m.opMutex.Lock()
	defer m.opMutex.Unlock()

	s := m.sessionOf(endpointID)
	if s == nil {
		return ErrUnknownEndpoint
	}

	m.mutex.Lock()
	delete(s.endpoints, endpointID)
	empty := len(s.endpoints) == 0
	m.mutex.Unlock()

	if empty {
		return m.expireSession(ctx, s)
	}

	req := &ConferenceModify{
		MeetingID: m.meetingID,
		Name:      m.roomName,
		Endpoints: []Endpoint{{ID: endpointID, Expire: true}},
	}
	if _, err := m.requester.Request(ctx, s.bridge.JID, req); err != nil {
		return &BridgeError{Bridge: s.bridge.JID, Err: err}
	}
	m.mirrorToPeers(ctx, s, []Endpoint{{ID: endpointID, Expire: true}})
	return nil
}

// expireSession tears one bridge out of the conference: the conference is
// expired on that bridge and the mirror relays are expired on the peers.
func (m *SessionManager) expireSession(ctx context.Context, s *session) error {
	m.mutex.Lock()
	delete(m.sessions, s.bridge.JID.String())
	m.mutex.Unlock()

	var firstErr error
	req := &ConferenceModify{MeetingID: m.meetingID, Name: m.roomName, Expire: true}
	if _, err := m.requester.Request(ctx, s.bridge.JID, req); err != nil {
		firstErr = &BridgeError{Bridge: s.bridge.JID, Err: err}
	}

	for _, peer := range m.peerSessions(s) {
		if !peer.relays[s.relayID()] {
			continue
		}
		delete(peer.relays, s.relayID())
		req := &ConferenceModify{
			MeetingID: m.meetingID,
			Name:      m.roomName,
			Relays:    []Relay{{ID: s.relayID(), Expire: true}},
		}
		if _, err := m.requester.Request(ctx, peer.bridge.JID, req); err != nil && firstErr == nil {
			firstErr = &BridgeError{Bridge: peer.bridge.JID, Err: err}
		}
	}
	return firstErr
}

// ExpireAll expires the conference on every bridge; used at teardown.
func (m *SessionManager) ExpireAll(ctx context.Context) {
	m.opMutex.Lock()
	defer m.opMutex.Unlock()

	m.mutex.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session)
	m.mutex.Unlock()

	req := &ConferenceModify{MeetingID: m.meetingID, Name: m.roomName, Expire: true}
	for _, s := range sessions {
		if _, err := m.requester.Request(ctx, s.bridge.JID, req); err != nil {
			m.logger.WithError(err).WithField("bridge", s.bridge.JID.String()).
				Warn("Failed to expire conference on bridge")
		}
	}
}

// BridgeLost drops a vanished bridge's session without talking to it and
// returns the endpoints that lost their media path, so the conference can
// re-invite them. Mirror relays on surviving bridges are expired.
func (m *SessionManager) BridgeLost(ctx context.Context, address jid.JID) []string {
	m.opMutex.Lock()
	defer m.opMutex.Unlock()

	m.mutex.Lock()
	s, ok := m.sessions[address.String()]
	if !ok {
		m.mutex.Unlock()
		return nil
	}
	delete(m.sessions, address.String())
	orphans := make([]string, 0, len(s.endpoints))
	for id := range s.endpoints {
		orphans = append(orphans, id)
	}
	m.mutex.Unlock()

	for _, peer := range m.peerSessions(s) {
		if !peer.relays[s.relayID()] {
			continue
		}
		delete(peer.relays, s.relayID())
		req := &ConferenceModify{
			MeetingID: m.meetingID,
			Name:      m.roomName,
			Relays:    []Relay{{ID: s.relayID(), Expire: true}},
		}
		if _, err := m.requester.Request(ctx, peer.bridge.JID, req); err != nil {
			m.logger.WithError(err).WithField("bridge", peer.bridge.JID.String()).
				Warn("Failed to expire relay for lost bridge")
		}
	}
	return orphans
}

// SessionOf returns the session id and bridge currently holding the
// endpoint.
func (m *SessionManager) SessionOf(endpointID string) (sessionID string, address jid.JID, ok bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, s := range m.sessions {
		if _, ok := s.endpoints[endpointID]; ok {
			return s.id, s.bridge.JID, true
		}
	}
	return "", jid.JID{}, false
}

// BridgeCount reports how many bridges carry the conference.
func (m *SessionManager) BridgeCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.sessions)
}

func (m *SessionManager) sessionOf(endpointID string) *session {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, s := range m.sessions {
		if _, ok := s.endpoints[endpointID]; ok {
			return s
		}
	}
	return nil
}

func (m *SessionManager) getOrCreateSession(b bridge.Bridge) (*session, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if s, ok := m.sessions[b.JID.String()]; ok {
		return s, false
	}
	s := &session{
		id:        uuid.NewString(),
		bridge:    b,
		endpoints: make(map[string]*relayEndpoint),
		relays:    make(map[string]bool),
	}
	m.sessions[b.JID.String()] = s
	m.logger.WithFields(logrus.Fields{"bridge": b.JID.String(), "session": s.id}).
		Info("New bridge session")
	return s, true
}

func (m *SessionManager) removeEmptySession(address jid.JID) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if s, ok := m.sessions[address.String()]; ok && len(s.endpoints) == 0 {
		delete(m.sessions, address.String())
	}
}

func (m *SessionManager) peerSessions(of *session) []*session {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var peers []*session
	for _, s := range m.sessions {
		if s != of {
			peers = append(peers, s)
		}
	}
	return peers
}

func (m *SessionManager) inUse() map[string]bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make(map[string]bool, len(m.sessions))
	for key := range m.sessions {
		out[key] = true
	}
	return out
}

func (m *SessionManager) failedSet() map[string]bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make(map[string]bool, len(m.failed))
	for key := range m.failed {
		out[key] = true
	}
	return out
}

func (m *SessionManager) markFailed(address jid.JID) {
	m.mutex.Lock()
	m.failed[address.String()] = true
	m.mutex.Unlock()
}
