// Package status owns the tracker's logical state and renders it for
// HTTP, CLI and MQTT consumers.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/truck-notifier/internal/logic"
)

// ReasonManualReset is the reason recorded by Reset.
const ReasonManualReset = "manual reset"

// Snapshot is a point-in-time view of tracker state.
// It is a value type and shares nothing with the Manager.
type Snapshot struct {
	State     logic.State
	Reason    string
	Route     *logic.Route
	Enter     *logic.Point
	Exit      *logic.Point
	UpdatedAt time.Time // zero until the first Apply or Reset
	Counts    logic.TransitionCounts
	StartTime time.Time
}

// Uptime returns the duration between startup and now.
func (s Snapshot) Uptime(now time.Time) time.Duration {
	return now.Sub(s.StartTime)
}

// Manager holds mutable tracker state behind an RWMutex.
// One writer (the evaluation cycle) and any number of snapshot readers.
type Manager struct {
	mu    sync.RWMutex
	snap  Snapshot
	clock func() time.Time
}

// NewManager creates a Manager in the idle state. clock supplies the
// timezone-aware time stamped on every Apply and Reset.
func NewManager(startTime time.Time, clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		snap: Snapshot{
			State:     logic.StateIdle,
			StartTime: startTime,
		},
		clock: clock,
	}
}

// Apply records a transition. The timestamp and reason are refreshed even
// when the new state equals the current one.
func (m *Manager) Apply(t logic.Transition) {
	route := t.Route.Clone()
	enter := t.Enter
	exit := t.Exit
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.State = t.To
	m.snap.Reason = t.Reason
	m.snap.Route = &route
	m.snap.Enter = &enter
	m.snap.Exit = &exit
	m.snap.UpdatedAt = now
	switch t.To {
	case logic.StateNearby:
		m.snap.Counts.Nearby++
	case logic.StateIdle:
		m.snap.Counts.Idle++
	}
}

// Reset forces the idle state and clears matched data.
func (m *Manager) Reset() {
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.State = logic.StateIdle
	m.snap.Reason = ReasonManualReset
	m.snap.Route = nil
	m.snap.Enter = nil
	m.snap.Exit = nil
	m.snap.UpdatedAt = now
}

// State returns the current logical state.
func (m *Manager) State() logic.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.State
}

// IsIdle reports whether the current state is idle.
func (m *Manager) IsIdle() bool { return m.State() == logic.StateIdle }

// IsNearby reports whether the current state is nearby.
func (m *Manager) IsNearby() bool { return m.State() == logic.StateNearby }

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	s := m.snap
	m.mu.RUnlock()

	if s.Route != nil {
		r := s.Route.Clone()
		s.Route = &r
	}
	if s.Enter != nil {
		p := *s.Enter
		s.Enter = &p
	}
	if s.Exit != nil {
		p := *s.Exit
		s.Exit = &p
	}
	return s
}
