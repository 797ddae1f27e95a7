package logic

import (
	"errors"
	"testing"
)

// testRoute builds a route with points P1..Pn at ranks 1..n, none arrived.
func testRoute(n, arrivalRank int) Route {
	r := Route{
		LineID:      "241001",
		LineName:    "板橋區晚線",
		CarNo:       "KEA-1234",
		ArrivalRank: arrivalRank,
	}
	for i := 1; i <= n; i++ {
		r.Points = append(r.Points, Point{
			ID:          100 + i,
			Name:        "P" + string(rune('0'+i)),
			Rank:        i,
			PointTime:   "19:00",
			ArrivalDiff: ArrivalDiffNotArrived,
		})
	}
	return r
}

// markPassed records an arrival at the point with the given rank.
func markPassed(r Route, rank int) Route {
	r = r.Clone()
	for i := range r.Points {
		if r.Points[i].Rank == rank {
			r.Points[i].Arrival = "19:05"
			r.Points[i].ArrivalDiff = 5
		}
	}
	return r
}

func TestNewTrackingWindow(t *testing.T) {
	w, err := NewTrackingWindow("P2", "P4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.EnterName() != "P2" {
		t.Errorf("EnterName: got %q, want P2", w.EnterName())
	}
	if w.ExitName() != "P4" {
		t.Errorf("ExitName: got %q, want P4", w.ExitName())
	}
}

func TestNewTrackingWindowSamePoint(t *testing.T) {
	_, err := NewTrackingWindow("A", "A")
	if !errors.Is(err, ErrSamePoint) {
		t.Fatalf("expected ErrSamePoint, got %v", err)
	}
}

func TestNewTrackingWindowEmptyNames(t *testing.T) {
	cases := [][2]string{{"", "P4"}, {"P2", ""}, {"", ""}}
	for _, c := range cases {
		if _, err := NewTrackingWindow(c[0], c[1]); !errors.Is(err, ErrEmptyPointName) {
			t.Errorf("NewTrackingWindow(%q, %q): expected ErrEmptyPointName, got %v", c[0], c[1], err)
		}
	}
}

func TestResolveFound(t *testing.T) {
	w, _ := NewTrackingWindow("P2", "P4")
	res := w.Resolve(testRoute(5, 1))
	if res.Status != Resolved {
		t.Fatalf("expected Resolved, got %s", res.Status)
	}
	if res.Enter.Rank != 2 || res.Exit.Rank != 4 {
		t.Errorf("unexpected ranks: enter=%d exit=%d", res.Enter.Rank, res.Exit.Rank)
	}
}

func TestResolveNotFound(t *testing.T) {
	cases := []struct {
		enter, exit string
	}{
		{"Missing", "P4"},
		{"P2", "Missing"},
	}
	for _, c := range cases {
		w, _ := NewTrackingWindow(c.enter, c.exit)
		if res := w.Resolve(testRoute(5, 1)); res.Status != NotFound {
			t.Errorf("%s/%s: expected NotFound, got %s", c.enter, c.exit, res.Status)
		}
	}
}

func TestResolveInvalidOrder(t *testing.T) {
	w, _ := NewTrackingWindow("P4", "P2")
	res := w.Resolve(testRoute(5, 1))
	if res.Status != InvalidOrder {
		t.Fatalf("expected InvalidOrder, got %s", res.Status)
	}
	if res.Enter.Name != "P4" || res.Exit.Name != "P2" {
		t.Errorf("expected offending points to be reported, got %+v", res)
	}
}

func TestResolveEmptyRoute(t *testing.T) {
	w, _ := NewTrackingWindow("P2", "P4")
	if res := w.Resolve(Route{}); res.Status != NotFound {
		t.Errorf("expected NotFound for route without points, got %s", res.Status)
	}
}

func TestPointHasPassed(t *testing.T) {
	cases := []struct {
		name    string
		arrival string
		diff    int
		want    bool
	}{
		{"not arrived", "", ArrivalDiffNotArrived, false},
		{"arrival recorded", "08:00", 0, true},
		{"late", "08:10", 10, true},
		{"early", "07:55", -5, true},
		{"time without diff", "08:00", ArrivalDiffNotArrived, false},
		{"diff without time", "", 0, false},
	}
	for _, c := range cases {
		p := Point{Arrival: c.arrival, ArrivalDiff: c.diff}
		if got := p.HasPassed(); got != c.want {
			t.Errorf("%s: HasPassed() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestRouteCloneIsDeep(t *testing.T) {
	r := testRoute(3, 1)
	c := r.Clone()
	c.Points[0].Name = "changed"
	if r.Points[0].Name == "changed" {
		t.Error("Clone shares Points backing array with original")
	}
}

func TestStateValid(t *testing.T) {
	if !StateIdle.Valid() || !StateNearby.Valid() {
		t.Error("known states must be valid")
	}
	if State("arriving").Valid() {
		t.Error("unknown state reported valid")
	}
}
