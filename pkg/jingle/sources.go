package jingle

import (
	"github.com/gracetech-services/jicofo-sub000/pkg/conference/source"
)

// ContentsFromSources renders an owner → sources mapping as media contents,
// one per media type, with the sources of all owners merged. Used for offers
// and for source-add / source-remove payloads.
func ContentsFromSources(sources source.Sources) []Content {
	byMedia := make(map[source.MediaType]*Description)

	desc := func(media source.MediaType) *Description {
		if d, ok := byMedia[media]; ok {
			return d
		}
		d := &Description{Media: string(media)}
		byMedia[media] = d
		return d
	}

	for _, owner := range sources.Owners() {
		set := sources[owner]
		for _, s := range set.Sources {
			d := desc(s.MediaType)
			d.Sources = append(d.Sources, wireSource(owner, s))
		}
		for _, g := range set.Groups {
			d := desc(g.MediaType)
			wire := SSRCGroup{Semantics: string(g.Semantics)}
			for _, ssrc := range g.SSRCs {
				wire.Sources = append(wire.Sources, SSRCRef{SSRC: ssrc})
			}
			d.Groups = append(d.Groups, wire)
		}
	}

	var contents []Content
	for _, media := range []source.MediaType{source.MediaAudio, source.MediaVideo} {
		if d, ok := byMedia[media]; ok {
			contents = append(contents, Content{
				Creator:     "initiator",
				Name:        string(media),
				Senders:     "both",
				Description: d,
			})
		}
	}
	return contents
}

func wireSource(owner string, s source.Source) Source {
	out := Source{SSRC: s.SSRC, Name: owner + "-" + string(s.MediaType), VideoType: s.VideoType}
	if s.MSID != "" {
		out.Parameters = append(out.Parameters, Parameter{Name: "msid", Value: s.MSID})
	}
	return out
}

// SourcesFromContents extracts one owner's endpoint source set from the media
// contents of an inbound payload. The media type of each source is taken from
// the enclosing description.
func SourcesFromContents(contents []Content) source.EndpointSources {
	var out source.EndpointSources
	for _, content := range contents {
		if content.Description == nil {
			continue
		}
		media := source.MediaType(content.Description.Media)
		for _, s := range content.Description.Sources {
			out.Sources = append(out.Sources, source.Source{
				MediaType: media,
				SSRC:      s.SSRC,
				MSID:      s.MSID(),
				VideoType: s.VideoType,
			})
		}
		for _, g := range content.Description.Groups {
			group := source.Group{Semantics: source.Semantics(g.Semantics), MediaType: media}
			for _, ref := range g.Sources {
				group.SSRCs = append(group.SSRCs, ref.SSRC)
			}
			out.Groups = append(out.Groups, group)
		}
	}
	return out
}
