package truckapi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/sweeney/truck-notifier/internal/logic"
)

// aroundPointsResponse is the GetAroundPoints payload. Line is absent, not
// empty, when no trucks are near the query point.
type aroundPointsResponse struct {
	Line      []lineDTO       `json:"Line"`
	TimeStamp json.RawMessage `json:"TimeStamp"`
}

type lineDTO struct {
	LineID      flexString `json:"LineID"`
	LineName    flexString `json:"LineName"`
	Area        flexString `json:"Area"`
	ArrivalRank flexInt    `json:"ArrivalRank"`
	Diff        flexInt    `json:"Diff"`
	CarNO       flexString `json:"CarNO"`
	Location    flexString `json:"Location"`
	LocationLat flexFloat  `json:"LocationLat"`
	LocationLon flexFloat  `json:"LocationLon"`
	BarCode     flexString `json:"BarCode"`
	Point       []pointDTO `json:"Point"`
}

type pointDTO struct {
	SourcePointID flexInt    `json:"SourcePointID"`
	PointName     flexString `json:"PointName"`
	PointRank     flexInt    `json:"PointRank"`
	PointTime     flexString `json:"PointTime"`
	Arrival       flexString `json:"Arrival"`
	ArrivalDiff   flexInt    `json:"ArrivalDiff"`
	Lat           flexFloat  `json:"Lat"`
	Lon           flexFloat  `json:"Lon"`
}

func (l lineDTO) toRoute() logic.Route {
	r := logic.Route{
		LineID:      string(l.LineID),
		LineName:    string(l.LineName),
		Area:        string(l.Area),
		CarNo:       string(l.CarNO),
		ArrivalRank: int(l.ArrivalRank),
		Diff:        int(l.Diff),
		Location:    string(l.Location),
		Lat:         float64(l.LocationLat),
		Lon:         float64(l.LocationLon),
		BarCode:     string(l.BarCode),
		Points:      make([]logic.Point, 0, len(l.Point)),
	}
	for _, p := range l.Point {
		r.Points = append(r.Points, logic.Point{
			ID:          int(p.SourcePointID),
			Name:        string(p.PointName),
			Rank:        int(p.PointRank),
			PointTime:   string(p.PointTime),
			Arrival:     string(p.Arrival),
			ArrivalDiff: int(p.ArrivalDiff),
			Lat:         float64(p.Lat),
			Lon:         float64(p.Lon),
		})
	}
	return r
}

func decodeRoutes(body []byte) ([]logic.Route, error) {
	var resp aroundPointsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	routes := make([]logic.Route, 0, len(resp.Line))
	for _, l := range resp.Line {
		routes = append(routes, l.toRoute())
	}
	return routes, nil
}

// The upstream API is inconsistent about quoting numbers, so these accept
// either form. null decodes to the zero value.

type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	*s = flexString(b)
	return nil
}

type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	raw, err := unquoteNumber(b)
	if err != nil || raw == "" {
		*n = 0
		return err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	*n = flexInt(v)
	return nil
}

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	raw, err := unquoteNumber(b)
	if err != nil || raw == "" {
		*f = 0
		return err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

func unquoteNumber(b []byte) (string, error) {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return "", nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return "", err
		}
		return strings.TrimSpace(v), nil
	}
	return string(b), nil
}
