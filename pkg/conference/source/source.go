package source

import (
	"fmt"
	"sort"
	"strings"
)

// MediaType of a single media source.
type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

// Valid reports whether the media type is one we know how to signal.
func (m MediaType) Valid() bool {
	return m == MediaAudio || m == MediaVideo
}

// Semantics of a source group.
type Semantics string

const (
	// SemanticsSim groups spatial simulcast layers of one stream, ordered
	// from the primary (highest priority) layer down.
	SemanticsSim Semantics = "SIM"
	// SemanticsFid pairs a primary source with its retransmission source.
	SemanticsFid Semantics = "FID"
	// SemanticsFec pairs a primary source with forward error correction.
	SemanticsFec Semantics = "FEC-FR"
)

// Source is a single media stream identifier within a conference.
// Identity is the (media type, SSRC) pair; the remaining fields are
// attributes.
type Source struct {
	MediaType MediaType
	SSRC      uint32
	// MSID is the stream label shared by all sources of one stream.
	// Empty when the sender did not advertise one.
	MSID string
	// VideoType distinguishes camera from desktop capture. Optional.
	VideoType string
}

// Key identifies a source for equality purposes.
type Key struct {
	MediaType MediaType
	SSRC      uint32
}

func (s Source) Key() Key {
	return Key{MediaType: s.MediaType, SSRC: s.SSRC}
}

func (s Source) String() string {
	return fmt.Sprintf("%s/%d", s.MediaType, s.SSRC)
}

// Group is an ordered set of sources with shared semantics. The order is
// meaningful for SIM groups (first entry is the primary layer).
type Group struct {
	Semantics Semantics
	MediaType MediaType
	SSRCs     []uint32
}

// Key returns a canonical identity for the group: semantics, media type and
// the sorted SSRC list. Two groups with the same members in different order
// are the same group.
func (g Group) Key() string {
	sorted := make([]uint32, len(g.SSRCs))
	copy(sorted, g.SSRCs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s", g.Semantics, g.MediaType)
	for _, ssrc := range sorted {
		fmt.Fprintf(&b, ":%d", ssrc)
	}
	return b.String()
}

// Contains reports whether the group references the given SSRC.
func (g Group) Contains(ssrc uint32) bool {
	for _, s := range g.SSRCs {
		if s == ssrc {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the group references no sources.
func (g Group) IsEmpty() bool {
	return len(g.SSRCs) == 0
}

func (g Group) Copy() Group {
	ssrcs := make([]uint32, len(g.SSRCs))
	copy(ssrcs, g.SSRCs)
	return Group{Semantics: g.Semantics, MediaType: g.MediaType, SSRCs: ssrcs}
}

func (g Group) String() string {
	parts := make([]string, len(g.SSRCs))
	for i, ssrc := range g.SSRCs {
		parts[i] = fmt.Sprint(ssrc)
	}
	return fmt.Sprintf("%s[%s]", g.Semantics, strings.Join(parts, ","))
}

// EndpointSources is the set of sources and source groups belonging to one
// owner.
type EndpointSources struct {
	Sources []Source
	Groups  []Group
}

// IsEmpty reports whether the set carries neither sources nor groups.
func (e EndpointSources) IsEmpty() bool {
	return len(e.Sources) == 0 && len(e.Groups) == 0
}

func (e EndpointSources) Copy() EndpointSources {
	out := EndpointSources{
		Sources: make([]Source, len(e.Sources)),
		Groups:  make([]Group, 0, len(e.Groups)),
	}
	copy(out.Sources, e.Sources)
	for _, g := range e.Groups {
		out.Groups = append(out.Groups, g.Copy())
	}
	return out
}

// Get returns the source with the given key, if present.
func (e EndpointSources) Get(k Key) (Source, bool) {
	for _, s := range e.Sources {
		if s.Key() == k {
			return s, true
		}
	}
	return Source{}, false
}

// HasGroup reports whether an equal group is already present.
func (e EndpointSources) HasGroup(g Group) bool {
	key := g.Key()
	for _, existing := range e.Groups {
		if existing.Key() == key {
			return true
		}
	}
	return false
}

// GroupsContaining returns the groups of the given media type that reference
// the SSRC.
func (e EndpointSources) GroupsContaining(mediaType MediaType, ssrc uint32) []Group {
	var out []Group
	for _, g := range e.Groups {
		if g.MediaType == mediaType && g.Contains(ssrc) {
			out = append(out, g)
		}
	}
	return out
}

// SSRCs returns the identifiers of all sources of the set.
func (e EndpointSources) SSRCs() []uint32 {
	out := make([]uint32, 0, len(e.Sources))
	for _, s := range e.Sources {
		out = append(out, s.SSRC)
	}
	return out
}

func (e EndpointSources) String() string {
	parts := make([]string, 0, len(e.Sources)+len(e.Groups))
	for _, s := range e.Sources {
		parts = append(parts, s.String())
	}
	for _, g := range e.Groups {
		parts = append(parts, g.String())
	}
	return "{" + strings.Join(parts, " ") + "}"
}
