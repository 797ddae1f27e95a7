package logic

import "errors"

var (
	// ErrEmptyPointName is returned when an enter or exit name is blank.
	ErrEmptyPointName = errors.New("tracking window: enter and exit point names are required")

	// ErrSamePoint is returned when enter and exit name the same point.
	ErrSamePoint = errors.New("tracking window: enter and exit points must differ")
)

// ResolveStatus is the outcome of locating a window inside a route.
type ResolveStatus int

const (
	Resolved ResolveStatus = iota
	NotFound
	InvalidOrder
)

func (s ResolveStatus) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case NotFound:
		return "not_found"
	case InvalidOrder:
		return "invalid_order"
	}
	return "unknown"
}

// Resolution holds the enter and exit points when Status is Resolved.
type Resolution struct {
	Status ResolveStatus
	Enter  Point
	Exit   Point
}

// TrackingWindow is the configured pair of collection points bounding the
// stretch of route the user cares about. It is immutable once built.
type TrackingWindow struct {
	enter string
	exit  string
}

// NewTrackingWindow validates and builds a window.
func NewTrackingWindow(enter, exit string) (TrackingWindow, error) {
	if enter == "" || exit == "" {
		return TrackingWindow{}, ErrEmptyPointName
	}
	if enter == exit {
		return TrackingWindow{}, ErrSamePoint
	}
	return TrackingWindow{enter: enter, exit: exit}, nil
}

// EnterName returns the enter point name.
func (w TrackingWindow) EnterName() string { return w.enter }

// ExitName returns the exit point name.
func (w TrackingWindow) ExitName() string { return w.exit }

// Resolve locates both window points in the route.
// A missing point is NotFound, which is normal when the truck is running a
// different variant of its route. Exit not strictly after enter is InvalidOrder.
func (w TrackingWindow) Resolve(route Route) Resolution {
	enter, ok := route.PointByName(w.enter)
	if !ok {
		return Resolution{Status: NotFound}
	}
	exit, ok := route.PointByName(w.exit)
	if !ok {
		return Resolution{Status: NotFound}
	}
	if exit.Rank <= enter.Rank {
		return Resolution{Status: InvalidOrder, Enter: enter, Exit: exit}
	}
	return Resolution{Status: Resolved, Enter: enter, Exit: exit}
}
