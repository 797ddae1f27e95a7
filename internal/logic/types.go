// Package logic contains pure business logic for garbage truck proximity tracking.
// This package has NO external dependencies (no HTTP, MQTT, logging, or clocks).
// Time is always injectable via time.Time parameters.
package logic

import "time"

// ArrivalDiffNotArrived is the upstream arrival_diff value for a collection
// point the truck has not reached yet.
const ArrivalDiffNotArrived = 65535

// State represents the logical proximity state of the tracked truck.
type State string

const (
	StateIdle   State = "idle"
	StateNearby State = "nearby"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateNearby:
		return true
	}
	return false
}

// Point is one scheduled collection stop along a route.
type Point struct {
	ID          int
	Name        string
	Rank        int    // 1-based position along the route, unique within a route
	PointTime   string // scheduled time of day, e.g. "19:30"
	Arrival     string // recorded arrival time, empty if not arrived
	ArrivalDiff int    // minutes early/late, ArrivalDiffNotArrived if not arrived
	Lat         float64
	Lon         float64
}

// HasPassed reports whether the truck has been recorded at or past this point.
func (p Point) HasPassed() bool {
	return p.Arrival != "" && p.ArrivalDiff != ArrivalDiffNotArrived
}

// Route is one polled snapshot of a truck and the route it is running.
type Route struct {
	LineID      string
	LineName    string
	Area        string
	CarNo       string
	ArrivalRank int // rank of the stop the truck is at or most recently reached
	Diff        int // delay in minutes
	Location    string
	Lat         float64
	Lon         float64
	BarCode     string
	Points      []Point
}

// PointByName returns the first point with the given name.
func (r Route) PointByName(name string) (Point, bool) {
	for _, p := range r.Points {
		if p.Name == name {
			return p, true
		}
	}
	return Point{}, false
}

// Clone returns a deep copy of the route.
func (r Route) Clone() Route {
	c := r
	if r.Points != nil {
		c.Points = make([]Point, len(r.Points))
		copy(c.Points, r.Points)
	}
	return c
}

// EventType identifies a published proximity notification.
type EventType string

const (
	EventTruckNearby EventType = "TRUCK_NEARBY"
	EventTruckLeft   EventType = "TRUCK_LEFT"
)

// EventTypeFor returns the notification type for entering state s.
func EventTypeFor(s State) EventType {
	if s == StateNearby {
		return EventTruckNearby
	}
	return EventTruckLeft
}

// Event is a state transition to be published to notification sinks.
type Event struct {
	ID        string
	Timestamp time.Time
	Type      EventType
	State     State
	Reason    string
	LineID    string
	LineName  string
	CarNo     string
	Enter     string
	Exit      string
}

// TransitionCounts tracks the number of transitions into each state since startup.
type TransitionCounts struct {
	Nearby int
	Idle   int
}
