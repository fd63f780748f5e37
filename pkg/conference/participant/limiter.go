package participant

import "time"

// Restart limit defaults: at most one restart per 10s and three per five
// minute window.
const (
	DefaultRestartMinInterval = 10 * time.Second
	DefaultRestartMaxRequests = 3
	DefaultRestartWindow      = 5 * time.Minute
)

// RestartLimiter throttles session restart requests with a sliding window
// on top of a minimum spacing between consecutive requests.
type RestartLimiter struct {
	MinInterval time.Duration
	MaxRequests int
	Window      time.Duration

	// now is the clock, swappable in tests.
	now    func() time.Time
	grants []time.Time
}

func NewRestartLimiter() *RestartLimiter {
	return &RestartLimiter{
		MinInterval: DefaultRestartMinInterval,
		MaxRequests: DefaultRestartMaxRequests,
		Window:      DefaultRestartWindow,
		now:         time.Now,
	}
}

// Allow records the request if it is within the limits and reports whether
// the restart may proceed. Denied requests are not recorded.
func (l *RestartLimiter) Allow() bool {
	now := l.now()

	kept := l.grants[:0]
	for _, t := range l.grants {
		if now.Sub(t) < l.Window {
			kept = append(kept, t)
		}
	}
	l.grants = kept

	if n := len(l.grants); n > 0 && now.Sub(l.grants[n-1]) < l.MinInterval {
		return false
	}
	if len(l.grants) >= l.MaxRequests {
		return false
	}

	l.grants = append(l.grants, now)
	return true
}
