// Package colibri speaks the bridge-control protocol: it models the
// conference-modify / conference-modified IQ payloads and owns the
// per-conference session manager that allocates, updates and expires
// endpoints and inter-bridge relays.
package colibri

import (
	"encoding/xml"

	"github.com/gracetech-services/jicofo-sub000/pkg/conference/source"
	"github.com/gracetech-services/jicofo-sub000/pkg/jingle"
)

// NS is the bridge-control namespace.
const NS = "jitsi:colibri2"

// ConferenceModify is the request payload sent to a bridge.
type ConferenceModify struct {
	XMLName   xml.Name `xml:"jitsi:colibri2 conference-modify"`
	MeetingID string   `xml:"meeting-id,attr"`
	// Name is the room address, informational for bridge debugging.
	Name   string `xml:"name,attr,omitempty"`
	Create bool   `xml:"create,attr,omitempty"`
	Expire bool   `xml:"expire,attr,omitempty"`

	Endpoints []Endpoint `xml:"endpoint"`
	Relays    []Relay    `xml:"relay"`
}

// ConferenceModified is the bridge's response payload.
type ConferenceModified struct {
	XMLName xml.Name `xml:"jitsi:colibri2 conference-modified"`

	Endpoints []Endpoint `xml:"endpoint"`
	Relays    []Relay    `xml:"relay"`
	// Sources the bridge itself contributes (mixer feedback and probing).
	Sources *Sources `xml:"sources"`
}

// Endpoint describes one participant on one bridge.
type Endpoint struct {
	XMLName xml.Name `xml:"endpoint"`
	ID      string   `xml:"id,attr"`
	Create  bool     `xml:"create,attr,omitempty"`
	Expire  bool     `xml:"expire,attr,omitempty"`
	StatsID string   `xml:"stats-id,attr,omitempty"`
	// MutedAudio / MutedVideo convey the muted-on-join decision.
	MutedAudio bool `xml:"muted-audio,attr,omitempty"`
	MutedVideo bool `xml:"muted-video,attr,omitempty"`

	Medias    []Media    `xml:"media"`
	Transport *Transport `xml:"transport"`
	Sources   *Sources   `xml:"sources"`
	// ForceMute asks the bridge to stop accepting media from the endpoint.
	ForceMute *ForceMute `xml:"force-mute"`
}

// Media enables one media type for an endpoint. Payload type and header
// extension tables ride along uninterpreted.
type Media struct {
	XMLName xml.Name            `xml:"media"`
	Type    string              `xml:"type,attr"`
	Extra   []jingle.RawElement `xml:",any"`
}

// Transport wraps the ICE-UDP transport plus the SCTP toggle.
type Transport struct {
	XMLName        xml.Name          `xml:"transport"`
	IceControlling bool              `xml:"ice-controlling,attr,omitempty"`
	IceUdp         *jingle.Transport `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
	Sctp           *Sctp             `xml:"sctp"`
}

// Sctp configures or reports the SCTP association of an endpoint.
type Sctp struct {
	XMLName xml.Name `xml:"sctp"`
	Role    string   `xml:"role,attr,omitempty"`
	Port    int      `xml:"port,attr,omitempty"`
}

// ForceMute mirrors the conference's mute decision to the bridge.
type ForceMute struct {
	XMLName xml.Name `xml:"force-mute"`
	Audio   bool     `xml:"audio,attr,omitempty"`
	Video   bool     `xml:"video,attr,omitempty"`
}

// Sources carries per-media source lists.
type Sources struct {
	XMLName xml.Name      `xml:"sources"`
	Medias  []MediaSource `xml:"media-source"`
}

// MediaSource is the set of sources of one media type.
type MediaSource struct {
	XMLName xml.Name           `xml:"media-source"`
	Type    string             `xml:"type,attr"`
	Sources []jingle.Source    `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	Groups  []jingle.SSRCGroup `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 ssrc-group"`
}

// Relay describes the connection to one peer bridge.
type Relay struct {
	XMLName xml.Name `xml:"relay"`
	ID      string   `xml:"id,attr"`
	Create  bool     `xml:"create,attr,omitempty"`
	Expire  bool     `xml:"expire,attr,omitempty"`
	MeshID  string   `xml:"mesh-id,attr,omitempty"`

	Transport *Transport `xml:"transport"`
	Endpoints []Endpoint `xml:"endpoint"`
}

// WireSources renders an endpoint source set in colibri form.
func WireSources(set source.EndpointSources) *Sources {
	if set.IsEmpty() {
		return nil
	}

	byMedia := make(map[source.MediaType]*MediaSource)
	mediaOf := func(m source.MediaType) *MediaSource {
		if ms, ok := byMedia[m]; ok {
			return ms
		}
		ms := &MediaSource{Type: string(m)}
		byMedia[m] = ms
		return ms
	}

	for _, s := range set.Sources {
		ms := mediaOf(s.MediaType)
		wire := jingle.Source{SSRC: s.SSRC, VideoType: s.VideoType}
		if s.MSID != "" {
			wire.Parameters = []jingle.Parameter{{Name: "msid", Value: s.MSID}}
		}
		ms.Sources = append(ms.Sources, wire)
	}
	for _, g := range set.Groups {
		ms := mediaOf(g.MediaType)
		wire := jingle.SSRCGroup{Semantics: string(g.Semantics)}
		for _, ssrc := range g.SSRCs {
			wire.Sources = append(wire.Sources, jingle.SSRCRef{SSRC: ssrc})
		}
		ms.Groups = append(ms.Groups, wire)
	}

	out := &Sources{}
	for _, media := range []source.MediaType{source.MediaAudio, source.MediaVideo} {
		if ms, ok := byMedia[media]; ok {
			out.Medias = append(out.Medias, *ms)
		}
	}
	return out
}

// ParseSources converts colibri sources back into the source model. Media
// sources without a type attribute are returned separately so the caller can
// log and drop them: a missing media type is a bridge-side bug.
func ParseSources(wire *Sources) (set source.EndpointSources, untyped int) {
	if wire == nil {
		return source.EndpointSources{}, 0
	}
	for _, ms := range wire.Medias {
		media := source.MediaType(ms.Type)
		if !media.Valid() {
			untyped++
			continue
		}
		for _, s := range ms.Sources {
			set.Sources = append(set.Sources, source.Source{
				MediaType: media,
				SSRC:      s.SSRC,
				MSID:      s.MSID(),
				VideoType: s.VideoType,
			})
		}
		for _, g := range ms.Groups {
			group := source.Group{Semantics: source.Semantics(g.Semantics), MediaType: media}
			for _, ref := range g.Sources {
				group.SSRCs = append(group.SSRCs, ref.SSRC)
			}
			set.Groups = append(set.Groups, group)
		}
	}
	return set, untyped
}
