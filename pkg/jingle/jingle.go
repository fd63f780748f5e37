// Package jingle models the session-negotiation IQ payloads exchanged with
// participants: offers and answers, transport updates, source updates and
// session teardown. Only the elements the focus acts upon are modeled; codec
// payload types and RTP header extensions are opaque table-driven
// configuration carried through verbatim by the description extra field.
package jingle

import "encoding/xml"

// Namespaces used by the negotiation dialect.
const (
	NS         = "urn:xmpp:jingle:1"
	NSRTP      = "urn:xmpp:jingle:apps:rtp:1"
	NSSSMA     = "urn:xmpp:jingle:apps:rtp:ssma:0"
	NSICEUDP   = "urn:xmpp:jingle:transports:ice-udp:1"
	NSDTLS     = "urn:xmpp:jingle:apps:dtls:0"
	NSSCTP     = "urn:xmpp:jingle:transports:dtls-sctp:1"
	NSGrouping = "urn:xmpp:jingle:apps:grouping:0"

	// NSFocus carries the focus-specific extensions: the bridge session id
	// and the ICE connectivity state report.
	NSFocus = "http://jitsi.org/protocol/focus"
)

// Action is the verb of a negotiation message.
type Action string

const (
	ActionSessionInitiate  Action = "session-initiate"
	ActionSessionAccept    Action = "session-accept"
	ActionSessionTerminate Action = "session-terminate"
	ActionSessionInfo      Action = "session-info"
	ActionTransportInfo    Action = "transport-info"
	ActionTransportReplace Action = "transport-replace"
	ActionTransportAccept  Action = "transport-accept"
	ActionTransportReject  Action = "transport-reject"
	ActionSourceAdd        Action = "source-add"
	ActionSourceRemove     Action = "source-remove"
)

// Jingle is the payload of a negotiation IQ.
type Jingle struct {
	XMLName   xml.Name `xml:"urn:xmpp:jingle:1 jingle"`
	Action    Action   `xml:"action,attr"`
	Initiator string   `xml:"initiator,attr,omitempty"`
	Responder string   `xml:"responder,attr,omitempty"`
	SID       string   `xml:"sid,attr"`

	Contents []Content `xml:"content"`
	// Group carries the bundle grouping when the offer has more than one
	// content.
	Group  *Group  `xml:"urn:xmpp:jingle:apps:grouping:0 group"`
	Reason *Reason `xml:"reason"`

	// Focus extensions.
	BridgeSession *BridgeSession `xml:"http://jitsi.org/protocol/focus bridge-session"`
	IceState      string         `xml:"http://jitsi.org/protocol/focus ice-state,omitempty"`
}

// Content is one media section of a session.
type Content struct {
	XMLName xml.Name `xml:"content"`
	Creator string   `xml:"creator,attr,omitempty"`
	Name    string   `xml:"name,attr"`
	Senders string   `xml:"senders,attr,omitempty"`

	Description *Description `xml:"urn:xmpp:jingle:apps:rtp:1 description"`
	Transport   *Transport   `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
}

// Description is the RTP description of one content.
type Description struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle:apps:rtp:1 description"`
	Media   string   `xml:"media,attr"`
	// Maximum number of simultaneous senders the bridge will forward, as a
	// semantic hint in offers.
	MaxPTime string `xml:"maxptime,attr,omitempty"`

	Sources []Source    `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	Groups  []SSRCGroup `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 ssrc-group"`

	// Codec payload types and header extensions are externally configured
	// tables; the focus copies them into offers without interpretation.
	Payloads []RawElement `xml:"payload-type"`
	HdrExts  []RawElement `xml:"rtp-hdrext"`
}

// RawElement preserves an element the focus does not interpret.
type RawElement struct {
	XMLName xml.Name
	Inner   string     `xml:",innerxml"`
	Attrs   []xml.Attr `xml:",any,attr"`
}

// Source is the wire form of one SSRC description.
type Source struct {
	XMLName    xml.Name    `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	SSRC       uint32      `xml:"ssrc,attr"`
	Name       string      `xml:"name,attr,omitempty"`
	VideoType  string      `xml:"videoType,attr,omitempty"`
	Parameters []Parameter `xml:"parameter"`
}

// Parameter is a name/value attribute of a source; msid is the one the focus
// validates.
type Parameter struct {
	XMLName xml.Name `xml:"parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

// MSID returns the stream label parameter, or empty.
func (s Source) MSID() string {
	for _, p := range s.Parameters {
		if p.Name == "msid" {
			return p.Value
		}
	}
	return ""
}

// SSRCGroup is the wire form of a source group.
type SSRCGroup struct {
	XMLName   xml.Name  `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 ssrc-group"`
	Semantics string    `xml:"semantics,attr"`
	Sources   []SSRCRef `xml:"source"`
}

// SSRCRef references a member source from within a group.
type SSRCRef struct {
	XMLName xml.Name `xml:"source"`
	SSRC    uint32   `xml:"ssrc,attr"`
}

// Transport is the ICE-UDP transport of one content.
type Transport struct {
	XMLName      xml.Name     `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
	Ufrag        string       `xml:"ufrag,attr,omitempty"`
	Pwd          string       `xml:"pwd,attr,omitempty"`
	Fingerprints []Fingerprint `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint"`
	Candidates   []Candidate  `xml:"candidate"`
	// SCTP port when the bridge offers a data channel.
	Sctp *SctpMap `xml:"urn:xmpp:jingle:transports:dtls-sctp:1 sctpmap"`
	// WebSocket URL advertised by the bridge for colibri data channels.
	WebSockets []WebSocket `xml:"http://jitsi.org/protocol/colibri web-socket"`
}

// Fingerprint is the DTLS fingerprint of a transport.
type Fingerprint struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint"`
	Hash    string   `xml:"hash,attr"`
	Setup   string   `xml:"setup,attr,omitempty"`
	Value   string   `xml:",chardata"`
}

// Candidate is a single ICE candidate.
type Candidate struct {
	XMLName    xml.Name `xml:"candidate"`
	ID         string   `xml:"id,attr,omitempty"`
	Component  int      `xml:"component,attr"`
	Foundation string   `xml:"foundation,attr"`
	Generation int      `xml:"generation,attr"`
	IP         string   `xml:"ip,attr"`
	Port       int      `xml:"port,attr"`
	Priority   uint32   `xml:"priority,attr"`
	Protocol   string   `xml:"protocol,attr"`
	Type       string   `xml:"type,attr"`
	RelAddr    string   `xml:"rel-addr,attr,omitempty"`
	RelPort    int      `xml:"rel-port,attr,omitempty"`
}

// SctpMap advertises the SCTP port for data channels.
type SctpMap struct {
	XMLName  xml.Name `xml:"urn:xmpp:jingle:transports:dtls-sctp:1 sctpmap"`
	Port     int      `xml:"number,attr"`
	Protocol string   `xml:"protocol,attr,omitempty"`
	Streams  int      `xml:"streams,attr,omitempty"`
}

// WebSocket is a colibri websocket advertisement inside a transport.
type WebSocket struct {
	XMLName xml.Name `xml:"http://jitsi.org/protocol/colibri web-socket"`
	URL     string   `xml:"url,attr"`
}

// Group is the bundle grouping of contents.
type Group struct {
	XMLName   xml.Name       `xml:"urn:xmpp:jingle:apps:grouping:0 group"`
	Semantics string         `xml:"semantics,attr"`
	Contents  []GroupContent `xml:"content"`
}

// GroupContent names one bundled content.
type GroupContent struct {
	XMLName xml.Name `xml:"content"`
	Name    string   `xml:"name,attr"`
}

// BridgeSession ties negotiation messages to a specific bridge allocation so
// that stale restart or failure reports can be discarded.
type BridgeSession struct {
	XMLName xml.Name `xml:"http://jitsi.org/protocol/focus bridge-session"`
	ID      string   `xml:"id,attr"`
	Region  string   `xml:"region,attr,omitempty"`
	Restart bool     `xml:"restart,attr,omitempty"`
}

// IceStateFailed is the connectivity state reported by a participant whose
// ICE connection to the bridge broke.
const IceStateFailed = "failed"

// BundleGroup builds the bundle grouping for the named contents.
func BundleGroup(names ...string) *Group {
	g := &Group{Semantics: "BUNDLE"}
	for _, n := range names {
		g.Contents = append(g.Contents, GroupContent{Name: n})
	}
	return g
}
