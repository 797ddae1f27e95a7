package logic

import "time"

// Heartbeat decides when a periodic liveness event is due.
type Heartbeat struct {
	startTime time.Time
	last      time.Time
}

// NewHeartbeat creates a heartbeat timer anchored at startTime.
func NewHeartbeat(startTime time.Time) *Heartbeat {
	return &Heartbeat{startTime: startTime, last: startTime}
}

// Check returns true and records now if interval has elapsed since the last
// heartbeat (or startup). An interval <= 0 disables heartbeats.
func (h *Heartbeat) Check(now time.Time, interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	if now.Sub(h.last) < interval {
		return false
	}
	h.last = now
	return true
}

// Uptime returns the duration between startup and now.
func (h *Heartbeat) Uptime(now time.Time) time.Duration {
	return now.Sub(h.startTime)
}
