package conference

import (
	"time"
)

// DebugState is a point-in-time snapshot of one conference, served to the
// admin collaborator.
type DebugState struct {
	Room      string `json:"room"`
	MeetingID string `json:"meetingId"`
	Started   bool   `json:"started"`
	CanManage bool   `json:"canManage"`
	Created   string `json:"created"`
	Bridges   int    `json:"bridges"`

	Participants []ParticipantDebugState `json:"participants,omitempty"`
}

// ParticipantDebugState describes one participant in the snapshot.
type ParticipantDebugState struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Region       string `json:"region,omitempty"`
	SessionState string `json:"sessionState"`
	Sources      int    `json:"sources"`
}

// DebugState asks the loop for a snapshot. It returns a zero-value snapshot
// when the conference is shutting down or too busy to answer in time.
func (c *Conference) DebugState(full bool) DebugState {
	reply := make(chan DebugState, 1)
	if !c.post(debugRequested{full: full, reply: reply}) {
		return DebugState{Room: c.room.String(), MeetingID: c.meetingID}
	}
	select {
	case state := <-reply:
		return state
	case <-time.After(time.Second):
		return DebugState{Room: c.room.String(), MeetingID: c.meetingID}
	}
}

// Population is the current participant count.
func (c *Conference) Population() int {
	return int(c.population.Load())
}

func (c *Conference) handleDebugRequest(ev debugRequested) {
	state := DebugState{
		Room:      c.room.String(),
		MeetingID: c.meetingID,
		Started:   c.started,
		CanManage: c.canManage,
		Created:   c.createdAt.UTC().Format(time.RFC3339),
		Bridges:   c.colibri.BridgeCount(),
	}

	if ev.full {
		for _, p := range c.participants {
			entry := ParticipantDebugState{
				ID:     p.ID(),
				Type:   p.Type().String(),
				Region: p.Region(),
			}
			if s := p.Session(); s != nil {
				entry.SessionState = s.State().String()
			} else {
				entry.SessionState = "none"
			}
			entry.Sources = len(c.sources.Get(p.ID()).Sources)
			state.Participants = append(state.Participants, entry)
		}
	}

	ev.reply <- state
}
