package voiceclient

import "time"

// DefaultSendInterval is the minimum spacing between two transmitted blocks.
const DefaultSendInterval = 100 * time.Millisecond

// Throttle admits at most one event per interval. Events inside the window
// are rejected, not deferred.
//
// Throttle is not safe for concurrent use; the session only touches it from
// its dispatcher.
type Throttle struct {
	interval time.Duration
	last     time.Time
	primed   bool
}

// NewThrottle returns a Throttle with the given interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval}
}

// Allow reports whether an event at now may pass, and if so records now as
// the last admitted time.
func (t *Throttle) Allow(now time.Time) bool {
	if t.primed && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	t.primed = true
	return true
}
