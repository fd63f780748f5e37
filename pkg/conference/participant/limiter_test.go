package participant

import (
	"testing"
	"time"
)

func testLimiter(start time.Time) (*RestartLimiter, *time.Time) {
	now := start
	l := NewRestartLimiter()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterEnforcesMinInterval(t *testing.T) {
	l, now := testLimiter(time.Unix(0, 0))

	if !l.Allow() {
		t.Fatal("first request must pass")
	}
	if l.Allow() {
		t.Fatal("immediate retry must be denied")
	}

	*now = now.Add(DefaultRestartMinInterval)
	if !l.Allow() {
		t.Fatal("retry after the minimum interval must pass")
	}
}

func TestLimiterEnforcesWindowMaximum(t *testing.T) {
	l, now := testLimiter(time.Unix(0, 0))

	for i := 0; i < DefaultRestartMaxRequests; i++ {
		if !l.Allow() {
			t.Fatalf("request %d should pass", i+1)
		}
		*now = now.Add(DefaultRestartMinInterval)
	}
	if l.Allow() {
		t.Fatal("request beyond the window maximum must be denied")
	}

	// Once the oldest grant slides out of the window a new one fits.
	*now = now.Add(DefaultRestartWindow)
	if !l.Allow() {
		t.Fatal("request after the window expired must pass")
	}
}

func TestLimiterDoesNotCountDeniedRequests(t *testing.T) {
	l, now := testLimiter(time.Unix(0, 0))

	l.Allow()
	// Hammering during the cool-down must not extend it.
	for i := 0; i < 8; i++ {
		*now = now.Add(time.Second)
		if l.Allow() {
			t.Fatalf("request %ds into the cool-down should be denied", i+1)
		}
	}

	*now = time.Unix(0, 0).Add(DefaultRestartMinInterval)
	if !l.Allow() {
		t.Fatal("the request at min-interval must pass regardless of denied attempts")
	}
}
