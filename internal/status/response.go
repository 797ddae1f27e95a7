package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/truck-notifier/internal/logic"
)

// Response is the external shape of tracker state returned to HTTP and CLI callers.
type Response struct {
	Status    string     `json:"status"`
	Reason    string     `json:"reason"`
	Truck     *TruckJSON `json:"truck,omitempty"`
	Timestamp *string    `json:"timestamp"`
	Error     string     `json:"error,omitempty"`
}

// TruckJSON summarises the last matched route.
type TruckJSON struct {
	LineID      string     `json:"line_id"`
	LineName    string     `json:"line_name"`
	Area        string     `json:"area,omitempty"`
	CarNo       string     `json:"car_no"`
	ArrivalRank int        `json:"arrival_rank"`
	Diff        int        `json:"diff"`
	Location    string     `json:"location,omitempty"`
	Lat         float64    `json:"lat"`
	Lon         float64    `json:"lon"`
	Enter       *PointJSON `json:"enter_point,omitempty"`
	Exit        *PointJSON `json:"exit_point,omitempty"`
}

// PointJSON summarises one window point.
type PointJSON struct {
	Name        string `json:"name"`
	Rank        int    `json:"rank"`
	PointTime   string `json:"point_time"`
	Arrival     string `json:"arrival"`
	ArrivalDiff int    `json:"arrival_diff"`
	Passed      bool   `json:"passed"`
}

// Build maps a snapshot to a Response. Truck is included whenever a matched
// route is present, even after the state has gone back to idle.
func Build(snap Snapshot) Response {
	resp := Response{
		Status: string(snap.State),
		Reason: snap.Reason,
	}
	if resp.Status == "" {
		resp.Status = string(logic.StateIdle)
	}
	if !snap.UpdatedAt.IsZero() {
		ts := snap.UpdatedAt.Format(time.RFC3339)
		resp.Timestamp = &ts
	}
	if snap.Route != nil {
		r := snap.Route
		resp.Truck = &TruckJSON{
			LineID:      r.LineID,
			LineName:    r.LineName,
			Area:        r.Area,
			CarNo:       r.CarNo,
			ArrivalRank: r.ArrivalRank,
			Diff:        r.Diff,
			Location:    r.Location,
			Lat:         r.Lat,
			Lon:         r.Lon,
			Enter:       buildPoint(snap.Enter),
			Exit:        buildPoint(snap.Exit),
		}
	}
	return resp
}

func buildPoint(p *logic.Point) *PointJSON {
	if p == nil {
		return nil
	}
	return &PointJSON{
		Name:        p.Name,
		Rank:        p.Rank,
		PointTime:   p.PointTime,
		Arrival:     p.Arrival,
		ArrivalDiff: p.ArrivalDiff,
		Passed:      p.HasPassed(),
	}
}

// EventJSON is the top-level JSON envelope for MQTT system events.
type EventJSON struct {
	Status EventInner `json:"status"`
}

// EventInner contains the system event details.
type EventInner struct {
	Event         string     `json:"event"`
	Reason        string     `json:"reason,omitempty"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	StartTime     string     `json:"start_time"`
	Timestamp     string     `json:"timestamp"`
	Counts        CountsJSON `json:"transition_counts"`
	Tracker       Response   `json:"tracker"`
}

// CountsJSON is the JSON representation of transition counts.
type CountsJSON struct {
	Nearby int `json:"nearby"`
	Idle   int `json:"idle"`
}

// FormatStatusEvent returns the JSON payload for a STARTUP, HEARTBEAT or
// SHUTDOWN system event.
func FormatStatusEvent(snap Snapshot, now time.Time, event, reason string) []byte {
	inner := EventInner{
		Event:         event,
		Reason:        reason,
		UptimeSeconds: int64(snap.Uptime(now).Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     now.UTC().Format(time.RFC3339),
		Counts:        CountsJSON{Nearby: snap.Counts.Nearby, Idle: snap.Counts.Idle},
		Tracker:       Build(snap),
	}
	data, _ := json.Marshal(EventJSON{Status: inner})
	return data
}
