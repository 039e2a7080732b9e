package history

import (
	"math"
	"time"

	"utag/go-tag-server/internal/model"
)

// Item is a decrypted location with its resolved address, ready for grouping.
type Item struct {
	Latitude  float64
	Longitude float64
	Address   *string
	Time      time.Time
	Source    model.GeoLocation
}

// Point is a visited place. A single visit has Time; an aggregated visit has
// StartTime and EndTime instead.
type Point struct {
	Latitude  float64             `json:"latitude"`
	Longitude float64             `json:"longitude"`
	Address   *string             `json:"address,omitempty"`
	Time      *time.Time          `json:"time,omitempty"`
	StartTime *time.Time          `json:"start_time,omitempty"`
	EndTime   *time.Time          `json:"end_time,omitempty"`
	Locations []model.GeoLocation `json:"locations"`
}

// Timestamp returns the most recent time attached to the point.
func (p Point) Timestamp() time.Time {
	switch {
	case p.EndTime != nil:
		return *p.EndTime
	case p.Time != nil:
		return *p.Time
	case p.StartTime != nil:
		return *p.StartTime
	default:
		return time.Time{}
	}
}

// OnDay reports whether the visit overlaps the calendar day of day, in day's location.
func (p Point) OnDay(day time.Time) bool {
	y, m, d := day.Date()
	loc := day.Location()
	if p.Time != nil {
		ty, tm, td := p.Time.In(loc).Date()
		return ty == y && tm == m && td == d
	}
	if p.StartTime == nil || p.EndTime == nil {
		return false
	}
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)
	return p.StartTime.Before(dayEnd) && !p.EndTime.Before(dayStart)
}

// Day returns the points that overlap the calendar day of day.
func (s State) Day(day time.Time) []Point {
	var out []Point
	for _, p := range s.Items {
		if p.OnDay(day) {
			out = append(out, p)
		}
	}
	return out
}

// LastSeen is the most recent time across all points, or the zero time.
func (s State) LastSeen() time.Time {
	var last time.Time
	for _, p := range s.Items {
		if ts := p.Timestamp(); ts.After(last) {
			last = ts
		}
	}
	return last
}

// Group merges consecutive items at the same place. Two neighbours are the same
// place when both have an address and the addresses match, or their coordinates
// are identical.
func Group(items []Item) []Point {
	if len(items) == 0 {
		return nil
	}

	var groups [][]Item
	current := []Item{items[0]}
	for _, item := range items[1:] {
		if samePlace(current[len(current)-1], item) {
			current = append(current, item)
			continue
		}
		groups = append(groups, current)
		current = []Item{item}
	}
	groups = append(groups, current)

	points := make([]Point, 0, len(groups))
	for _, g := range groups {
		first := g[0]
		p := Point{
			Latitude:  first.Latitude,
			Longitude: first.Longitude,
			Address:   first.Address,
			Locations: make([]model.GeoLocation, 0, len(g)),
		}
		for _, item := range g {
			p.Locations = append(p.Locations, item.Source)
		}
		if len(g) == 1 {
			t := first.Time
			p.Time = &t
		} else {
			start, end := first.Time, g[len(g)-1].Time
			p.StartTime = &start
			p.EndTime = &end
		}
		points = append(points, p)
	}
	return points
}

func samePlace(a, b Item) bool {
	if a.Address != nil && b.Address != nil && *a.Address == *b.Address {
		return true
	}
	return math.Float64bits(a.Latitude) == math.Float64bits(b.Latitude) &&
		math.Float64bits(a.Longitude) == math.Float64bits(b.Longitude)
}
