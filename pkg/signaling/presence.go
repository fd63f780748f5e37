package signaling

import (
	"encoding/xml"
	"strconv"

	"mellium.im/xmpp/stanza"
)

// Namespaces of the presence extensions the focus parses.
const (
	NSMucUser = "http://jabber.org/protocol/muc#user"
	// NSBridge is used by bridges to advertise themselves in the brewery
	// room.
	NSBridge = "http://jitsi.org/protocol/videobridge"
	// NSColibriStats is the legacy stats extension; stress may arrive as a
	// stat entry instead of the dedicated element.
	NSColibriStats = "http://jitsi.org/protocol/colibri"
	// NSFocus carries participant-facing extensions (features, entity
	// type, region).
	NSFocus = "http://jitsi.org/protocol/focus"
)

// mucSelfStatus is the status code marking our own occupant presence.
const mucSelfStatus = 110

// presencePayload is the full decoded form of a MUC presence.
type presencePayload struct {
	stanza.Presence

	X *struct {
		XMLName xml.Name `xml:"http://jabber.org/protocol/muc#user x"`
		Item    struct {
			Role        string `xml:"role,attr"`
			Affiliation string `xml:"affiliation,attr"`
			JID         string `xml:"jid,attr"`
		} `xml:"item"`
		Status []struct {
			Code int `xml:"code,attr"`
		} `xml:"status"`
	} `xml:"http://jabber.org/protocol/muc#user x"`

	Region *struct {
		ID string `xml:"id,attr"`
	} `xml:"http://jitsi.org/protocol/focus region"`

	StatsID string `xml:"http://jitsi.org/protocol/focus stats-id,omitempty"`

	Entity *struct {
		Type string `xml:"type,attr"`
	} `xml:"http://jitsi.org/protocol/focus entity"`

	Features *struct {
		Feature []struct {
			Var string `xml:"var,attr"`
		} `xml:"feature"`
	} `xml:"http://jitsi.org/protocol/focus features"`

	Vendor *struct {
		Version string `xml:"version,attr"`
	} `xml:"http://jitsi.org/protocol/videobridge vendor"`

	Relay *struct {
		ID string `xml:"id,attr"`
	} `xml:"http://jitsi.org/protocol/videobridge relay"`

	StressLevel *struct {
		Value string `xml:"value,attr"`
	} `xml:"http://jitsi.org/protocol/videobridge stress-level"`

	GracefulShutdown *struct{} `xml:"http://jitsi.org/protocol/videobridge graceful-shutdown"`

	BridgeRegion *struct {
		ID string `xml:"id,attr"`
	} `xml:"http://jitsi.org/protocol/videobridge region"`

	BridgeStatsID string `xml:"http://jitsi.org/protocol/videobridge stats-id,omitempty"`

	Stats *struct {
		Stat []struct {
			Name  string `xml:"name,attr"`
			Value string `xml:"value,attr"`
		} `xml:"stat"`
	} `xml:"http://jitsi.org/protocol/colibri stats"`

	JibriStatus *struct {
		Busy *struct {
			Status string `xml:"status,attr"`
		} `xml:"busy-status"`
		Health *struct {
			Healthy bool `xml:"healthy,attr"`
		} `xml:"health-status"`
	} `xml:"http://jitsi.org/protocol/jibri jibri-status"`
}

// extensions flattens the decoded payload into the event form.
func (p *presencePayload) extensions() Extensions {
	ext := Extensions{}

	if p.Region != nil {
		ext.Region = p.Region.ID
	}
	ext.StatsID = p.StatsID
	if p.Entity != nil {
		ext.EntityType = p.Entity.Type
	}
	if p.Features != nil {
		for _, f := range p.Features.Feature {
			ext.Features = append(ext.Features, f.Var)
		}
	}

	if p.Vendor != nil {
		ext.Version = p.Vendor.Version
	}
	if p.Relay != nil {
		ext.RelayID = p.Relay.ID
	}
	if p.BridgeRegion != nil {
		ext.Region = p.BridgeRegion.ID
	}
	if p.BridgeStatsID != "" {
		ext.StatsID = p.BridgeStatsID
	}
	ext.GracefulShutdown = p.GracefulShutdown != nil

	if p.JibriStatus != nil {
		ext.JibriReported = true
		if p.JibriStatus.Busy != nil {
			ext.JibriBusy = p.JibriStatus.Busy.Status == "busy"
		}
		ext.JibriHealthy = p.JibriStatus.Health == nil || p.JibriStatus.Health.Healthy
	}

	if p.StressLevel != nil {
		if v, err := strconv.ParseFloat(p.StressLevel.Value, 64); err == nil {
			ext.Stress = v
			ext.StressReported = true
		}
	} else if p.Stats != nil {
		// Fallback: stress as a stat entry.
		for _, s := range p.Stats.Stat {
			if s.Name == "stress" {
				if v, err := strconv.ParseFloat(s.Value, 64); err == nil {
					ext.Stress = v
					ext.StressReported = true
				}
			}
		}
	}

	return ext
}

func (p *presencePayload) isSelf() bool {
	if p.X == nil {
		return false
	}
	for _, s := range p.X.Status {
		if s.Code == mucSelfStatus {
			return true
		}
	}
	return false
}
