package signaling

import "time"

// Configuration for the XMPP client.
type Config struct {
	// JID is the focus's own address, e.g. focus@auth.example.com.
	JID string `yaml:"jid"`
	// Password for SASL authentication.
	Password string `yaml:"password"`
	// RequestTimeoutSeconds overrides the default 15s IQ timeout.
	RequestTimeoutSeconds int `yaml:"requestTimeoutSeconds"`
	// PingIntervalSeconds between keepalive pings; 0 disables them.
	PingIntervalSeconds int `yaml:"pingIntervalSeconds"`
}

func (c Config) requestTimeout() time.Duration {
	if c.RequestTimeoutSeconds > 0 {
		return time.Duration(c.RequestTimeoutSeconds) * time.Second
	}
	return DefaultRequestTimeout
}
