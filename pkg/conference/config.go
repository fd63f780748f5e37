package conference

import "time"

// Configuration for conferences.
type Config struct {
	// StartTimeoutSeconds stops a conference in which no participant went
	// active since creation.
	StartTimeoutSeconds int `yaml:"startTimeoutSeconds"`
	// SingleParticipantTimeoutSeconds stops a conference left with one
	// occupant for this long.
	SingleParticipantTimeoutSeconds int `yaml:"singleParticipantTimeoutSeconds"`
	// EmptyTimeoutSeconds delays the stop of an empty conference; 0 stops it
	// immediately.
	EmptyTimeoutSeconds int `yaml:"emptyTimeoutSeconds"`

	// StartAudioMutedThreshold mutes audio for joiners once this many
	// potential senders are present.
	StartAudioMutedThreshold int `yaml:"startAudioMuted"`
	// StartVideoMutedThreshold is the video equivalent.
	StartVideoMutedThreshold int `yaml:"startVideoMuted"`

	// EnableSctp opens an SCTP data channel per endpoint.
	EnableSctp bool `yaml:"enableSctp"`
	// PinnedBridgeVersion restricts selection to bridges of this version.
	PinnedBridgeVersion string `yaml:"pinnedBridgeVersion"`
	// MeshID labels the relay mesh between bridges of one conference.
	MeshID string `yaml:"meshId"`

	// MaxSourcesPerOwner and MaxGroupsPerOwner cap what one participant may
	// advertise; 0 means the built-in default.
	MaxSourcesPerOwner int `yaml:"maxSourcesPerOwner"`
	MaxGroupsPerOwner  int `yaml:"maxGroupsPerOwner"`

	// InviteTimeoutSeconds ends a session whose offer was never answered.
	InviteTimeoutSeconds int `yaml:"inviteTimeoutSeconds"`
}

// WithDefaults fills the zero fields with the standard values.
func (c Config) WithDefaults() Config {
	if c.StartTimeoutSeconds == 0 {
		c.StartTimeoutSeconds = 30
	}
	if c.SingleParticipantTimeoutSeconds == 0 {
		c.SingleParticipantTimeoutSeconds = 120
	}
	if c.StartAudioMutedThreshold == 0 {
		c.StartAudioMutedThreshold = 50
	}
	if c.StartVideoMutedThreshold == 0 {
		c.StartVideoMutedThreshold = 25
	}
	if c.InviteTimeoutSeconds == 0 {
		c.InviteTimeoutSeconds = 60
	}
	return c
}

func (c Config) startTimeout() time.Duration {
	return time.Duration(c.StartTimeoutSeconds) * time.Second
}

func (c Config) singleParticipantTimeout() time.Duration {
	return time.Duration(c.SingleParticipantTimeoutSeconds) * time.Second
}

func (c Config) emptyTimeout() time.Duration {
	return time.Duration(c.EmptyTimeoutSeconds) * time.Second
}

func (c Config) inviteTimeout() time.Duration {
	return time.Duration(c.InviteTimeoutSeconds) * time.Second
}
