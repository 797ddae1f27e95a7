package logic

import (
	"errors"
	"fmt"
)

// Strategy names a Matcher implementation selectable from configuration.
type Strategy string

const (
	StrategyArrival   Strategy = "arrival"
	StrategyLookahead Strategy = "lookahead"
)

// TriggerMode controls when the lookahead strategy enters NEARBY.
type TriggerMode string

const (
	TriggerArriving TriggerMode = "arriving"
	TriggerArrived  TriggerMode = "arrived"
)

// ErrUnknownStrategy is returned by NewMatcher for an unrecognised strategy.
var ErrUnknownStrategy = errors.New("unknown matcher strategy")

// Outcome classifies the result of one evaluation.
type Outcome int

const (
	OutcomeNoChange Outcome = iota
	OutcomeTransition
	OutcomeNotFound
	OutcomeInvalidOrder
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoChange:
		return "no_change"
	case OutcomeTransition:
		return "transition"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeInvalidOrder:
		return "invalid_order"
	}
	return "unknown"
}

// Transition is a decided change of logical state and the data that caused it.
type Transition struct {
	From   State
	To     State
	Reason string
	Route  Route
	Enter  Point
	Exit   Point
}

// Result is the outcome of Matcher.Evaluate. Transition data is only
// meaningful when Outcome is OutcomeTransition.
type Result struct {
	Outcome    Outcome
	transition Transition
}

// Transition returns the decided transition, if any.
func (r Result) Transition() (Transition, bool) {
	if r.Outcome != OutcomeTransition {
		return Transition{}, false
	}
	return r.transition, true
}

// Matcher decides whether a route snapshot moves the tracker between states.
// Implementations must be pure: identical inputs give identical results.
type Matcher interface {
	Evaluate(current State, route Route) Result
}

// NewMatcher builds the matcher for the given strategy.
func NewMatcher(strategy Strategy, window TrackingWindow, threshold int, mode TriggerMode) (Matcher, error) {
	switch strategy {
	case StrategyArrival, "":
		return ArrivalMatcher{Window: window}, nil
	case StrategyLookahead:
		if threshold < 0 {
			return nil, fmt.Errorf("lookahead threshold must be >= 0, got %d", threshold)
		}
		switch mode {
		case TriggerArriving, TriggerArrived:
		case "":
			mode = TriggerArriving
		default:
			return nil, fmt.Errorf("unknown trigger mode %q", mode)
		}
		return LookaheadMatcher{Window: window, Threshold: threshold, Mode: mode}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
}

// ArrivalMatcher enters NEARBY once the enter point has a recorded arrival,
// and returns to IDLE once the exit point has one (or the truck's rank has
// reached the exit point, since the upstream arrival field can lag).
type ArrivalMatcher struct {
	Window TrackingWindow
}

// Evaluate implements Matcher.
func (m ArrivalMatcher) Evaluate(current State, route Route) Result {
	res := m.Window.Resolve(route)
	if r, ok := unresolved(res); ok {
		return r
	}

	switch current {
	case StateIdle:
		if res.Enter.HasPassed() {
			return enterNearby(route, res)
		}
	case StateNearby:
		return checkExit(route, res)
	}
	return Result{Outcome: OutcomeNoChange}
}

// LookaheadMatcher enters NEARBY when the truck is within Threshold stops of
// the enter point (TriggerArriving) or has reached it (TriggerArrived).
// Exit rules match ArrivalMatcher.
type LookaheadMatcher struct {
	Window    TrackingWindow
	Threshold int
	Mode      TriggerMode
}

// Evaluate implements Matcher.
func (m LookaheadMatcher) Evaluate(current State, route Route) Result {
	res := m.Window.Resolve(route)
	if r, ok := unresolved(res); ok {
		return r
	}

	switch current {
	case StateIdle:
		// Already past the window: entering now would just bounce straight back.
		if route.ArrivalRank >= res.Exit.Rank {
			return Result{Outcome: OutcomeNoChange}
		}
		if res.Enter.HasPassed() {
			return enterNearby(route, res)
		}
		trigger := res.Enter.Rank
		if m.Mode == TriggerArriving {
			trigger -= m.Threshold
		}
		if route.ArrivalRank >= trigger {
			return enterNearby(route, res)
		}
	case StateNearby:
		return checkExit(route, res)
	}
	return Result{Outcome: OutcomeNoChange}
}

func unresolved(res Resolution) (Result, bool) {
	switch res.Status {
	case NotFound:
		return Result{Outcome: OutcomeNotFound}, true
	case InvalidOrder:
		return Result{Outcome: OutcomeInvalidOrder}, true
	}
	return Result{}, false
}

func enterNearby(route Route, res Resolution) Result {
	return Result{
		Outcome: OutcomeTransition,
		transition: Transition{
			From:   StateIdle,
			To:     StateNearby,
			Reason: fmt.Sprintf("truck %s reached %s (rank %d)", route.CarNo, res.Enter.Name, res.Enter.Rank),
			Route:  route.Clone(),
			Enter:  res.Enter,
			Exit:   res.Exit,
		},
	}
}

func checkExit(route Route, res Resolution) Result {
	var reason string
	switch {
	case res.Exit.HasPassed():
		reason = fmt.Sprintf("truck %s passed %s (rank %d)", route.CarNo, res.Exit.Name, res.Exit.Rank)
	case route.ArrivalRank >= res.Exit.Rank:
		reason = fmt.Sprintf("truck %s at rank %d, beyond %s (rank %d)", route.CarNo, route.ArrivalRank, res.Exit.Name, res.Exit.Rank)
	default:
		return Result{Outcome: OutcomeNoChange}
	}
	return Result{
		Outcome: OutcomeTransition,
		transition: Transition{
			From:   StateNearby,
			To:     StateIdle,
			Reason: reason,
			Route:  route.Clone(),
			Enter:  res.Enter,
			Exit:   res.Exit,
		},
	}
}
