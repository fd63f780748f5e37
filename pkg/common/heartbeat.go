package common

import "time"

// Pong is the acknowledgement of a single heartbeat ping.
type Pong struct{}

// Heartbeat periodically probes a remote party (the XMPP server in our case)
// and reports when the communication has stalled.
type Heartbeat struct {
	// How often to send pings.
	Interval time.Duration
	// After which time to consider the communication stalled.
	Timeout time.Duration
	// Called when a ping is due. Returns false if the ping could not be sent.
	SendPing func() bool
	// Called once Timeout is reached without a pong.
	OnTimeout func()
}

// Start launches the heartbeat goroutine. The returned channel is what the
// caller uses to report pongs; closing it stops the heartbeat.
func (h *Heartbeat) Start() chan<- Pong {
	pong := make(chan Pong, 8)

	go func() {
		ticker := time.NewTicker(h.Interval)
		defer ticker.Stop()

		for range ticker.C {
			if !h.sendWithRetry() {
				return
			}

			select {
			case <-time.After(h.Timeout):
				h.OnTimeout()
				return
			case _, ok := <-pong:
				if !ok {
					return
				}
			}
		}
	}()

	return pong
}

func (h *Heartbeat) sendWithRetry() bool {
	const retries = 3
	retryInterval := h.Timeout / retries

	for i := 0; i < retries; i++ {
		if h.SendPing() {
			return true
		}
		time.Sleep(retryInterval)
	}

	return false
}
