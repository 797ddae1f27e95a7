// Package monitor runs the fetch-evaluate-apply cycle that drives the tracker.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sweeney/truck-notifier/internal/logic"
	"github.com/sweeney/truck-notifier/internal/status"
	"github.com/sweeney/truck-notifier/internal/truckapi"
)

// Fetcher returns the route snapshots around a location.
type Fetcher interface {
	Fetch(ctx context.Context, q truckapi.Query) ([]logic.Route, error)
}

// Notifier receives every applied transition.
type Notifier interface {
	Notify(ctx context.Context, ev logic.Event) error
}

// Metrics receives cycle observations. All methods must be safe for
// concurrent use.
type Metrics interface {
	EvaluationObserve(o logic.Outcome)
	TransitionInc(to logic.State)
	SetState(s logic.State)
	CycleObserve(d time.Duration)
	CycleErrorInc(kind string)
}

// Options configures a Service.
type Options struct {
	Fetcher   Fetcher
	Matcher   logic.Matcher
	Manager   *status.Manager
	Query     truckapi.Query
	Routes    []string // line names or IDs to track; empty tracks every route
	Notifiers []Notifier
	Metrics   Metrics
	Logger    zerolog.Logger
	Clock     func() time.Time
}

// Service serializes evaluation cycles against one Manager. Fetches run
// outside the lock, so a slow upstream never holds up Reset or a concurrent
// cycle's state read; only evaluate, apply and notify are serialized.
type Service struct {
	fetcher   Fetcher
	matcher   logic.Matcher
	manager   *status.Manager
	query     truckapi.Query
	routes    map[string]struct{}
	notifiers []Notifier
	metrics   Metrics
	log       zerolog.Logger
	clock     func() time.Time
	newID     func() string

	mu sync.Mutex
}

// New builds a Service.
func New(opts Options) *Service {
	s := &Service{
		fetcher:   opts.Fetcher,
		matcher:   opts.Matcher,
		manager:   opts.Manager,
		query:     opts.Query,
		notifiers: opts.Notifiers,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		clock:     opts.Clock,
		newID:     func() string { return uuid.NewString() },
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if len(opts.Routes) > 0 {
		s.routes = make(map[string]struct{}, len(opts.Routes))
		for _, r := range opts.Routes {
			s.routes[r] = struct{}{}
		}
	}
	return s
}

// Query runs one evaluation cycle and returns the resulting state. On a
// fetch failure the previous state is returned unchanged with Error set.
// Routes are evaluated against the state current when the fetch returns.
func (s *Service) Query(ctx context.Context) status.Response {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.CycleObserve(time.Since(start))
		}
	}()

	routes, err := s.fetcher.Fetch(ctx, s.query)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.log.Warn().Err(err).Msg("fetch failed, keeping last known state")
		s.cycleError("api")
		resp := status.Build(s.manager.Snapshot())
		resp.Error = err.Error()
		return resp
	}

	t, applied, err := s.evaluate(routes)
	if err != nil {
		s.log.Error().Err(err).Msg("evaluation failed, resetting to idle")
		s.cycleError("system")
		s.manager.Reset()
		if s.metrics != nil {
			s.metrics.SetState(logic.StateIdle)
		}
		resp := status.Build(s.manager.Snapshot())
		resp.Error = "system error: " + err.Error()
		return resp
	}

	if applied {
		s.notify(ctx, t)
	}
	return status.Build(s.manager.Snapshot())
}

// evaluate applies the first transition produced by a candidate route.
// A panic anywhere in matching or applying is returned as an error.
func (s *Service) evaluate(routes []logic.Route) (t logic.Transition, applied bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
			applied = false
		}
	}()

	current := s.manager.State()
	for _, route := range routes {
		if !s.tracks(route) {
			continue
		}
		res := s.matcher.Evaluate(current, route)
		if s.metrics != nil {
			s.metrics.EvaluationObserve(res.Outcome)
		}

		switch res.Outcome {
		case logic.OutcomeNotFound:
			s.log.Debug().Str("line_id", route.LineID).Str("line_name", route.LineName).
				Msg("window points not on route")
		case logic.OutcomeInvalidOrder:
			s.log.Warn().Str("line_id", route.LineID).Str("line_name", route.LineName).
				Msg("exit point is not after enter point on route, check configuration")
		case logic.OutcomeTransition:
			tr, _ := res.Transition()
			s.manager.Apply(tr)
			if s.metrics != nil {
				s.metrics.TransitionInc(tr.To)
			}
			s.log.Info().
				Str("from", string(tr.From)).
				Str("to", string(tr.To)).
				Str("line_id", route.LineID).
				Str("car_no", route.CarNo).
				Msg(tr.Reason)
			return tr, true, nil
		}
	}
	return logic.Transition{}, false, nil
}

func (s *Service) tracks(r logic.Route) bool {
	if s.routes == nil {
		return true
	}
	if _, ok := s.routes[r.LineName]; ok {
		return true
	}
	_, ok := s.routes[r.LineID]
	return ok
}

func (s *Service) notify(ctx context.Context, t logic.Transition) {
	if len(s.notifiers) == 0 {
		return
	}
	ev := logic.Event{
		ID:        s.newID(),
		Timestamp: s.clock(),
		Type:      logic.EventTypeFor(t.To),
		State:     t.To,
		Reason:    t.Reason,
		LineID:    t.Route.LineID,
		LineName:  t.Route.LineName,
		CarNo:     t.Route.CarNo,
		Enter:     t.Enter.Name,
		Exit:      t.Exit.Name,
	}
	for _, n := range s.notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			s.log.Error().Err(err).Str("event", string(ev.Type)).Msg("notify failed")
		}
	}
}

func (s *Service) cycleError(kind string) {
	if s.metrics != nil {
		s.metrics.CycleErrorInc(kind)
	}
}

// Reset forces the idle state and returns the resulting response.
func (s *Service) Reset() status.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.manager.Reset()
	if s.metrics != nil {
		s.metrics.SetState(logic.StateIdle)
	}
	s.log.Info().Msg("state reset")
	return status.Build(s.manager.Snapshot())
}

// Current returns the last known state without running a cycle.
func (s *Service) Current() status.Response {
	return status.Build(s.manager.Snapshot())
}

// Snapshot returns the manager's current snapshot.
func (s *Service) Snapshot() status.Snapshot {
	return s.manager.Snapshot()
}
