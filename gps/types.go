package gps

import (
	"fmt"
	"math"
	"time"
)

// GeoPoint is a geographic position in decimal degrees
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate checks the point lies within the valid latitude/longitude ranges
func (p GeoPoint) Validate() error {
	if math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %f", ErrInvalidCoordinate, p.Lat)
	}
	if math.IsNaN(p.Lon) || p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: longitude %f", ErrInvalidCoordinate, p.Lon)
	}
	return nil
}

// Route is an ordered list of waypoints; index order is travel order
type Route []GeoPoint

// Validate rejects empty routes and malformed waypoints
func (r Route) Validate() error {
	if len(r) == 0 {
		return fmt.Errorf("%w: no waypoints", ErrInvalidRoute)
	}
	for i, p := range r {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: waypoint %d: %v", ErrInvalidRoute, i, err)
		}
	}
	return nil
}

// MotionParameters are the operator-controlled movement inputs
type MotionParameters struct {
	Speed    float64 `json:"speed"`    // meters per second
	Bearing  float64 `json:"bearing"`  // degrees clockwise from true north
	Altitude float64 `json:"altitude"` // meters, passed through to the sink
	Accuracy float64 `json:"accuracy"` // meters, passed through to the sink
}

// Fix is a single published position of the simulated device
type Fix struct {
	Position  GeoPoint  `json:"position"`
	Altitude  float64   `json:"altitude"`
	Accuracy  float64   `json:"accuracy"`
	Speed     float64   `json:"speed"`  // knots
	Course    float64   `json:"course"` // degrees
	Timestamp time.Time `json:"timestamp"`
}

// NMEAData contains NMEA sentence data for a published fix
type NMEAData struct {
	Sentences []string  `json:"sentences"`
	Fix       Fix       `json:"fix"`
	Timestamp time.Time `json:"timestamp"`
}

// LoopStatus describes one periodic task
type LoopStatus struct {
	Name     string        `json:"name"`
	ID       string        `json:"id"`
	State    string        `json:"state"`
	Interval time.Duration `json:"interval"`
	Ticks    uint64        `json:"ticks"`
	Error    string        `json:"error,omitempty"`
}

// Status represents the current engine status
type Status struct {
	Ready        bool             `json:"ready"`
	StartTime    time.Time        `json:"start_time,omitempty"`
	ElapsedTime  time.Duration    `json:"elapsed_time"`
	Position     *GeoPoint        `json:"position,omitempty"`
	Motion       MotionParameters `json:"motion"`
	RockerLocked bool             `json:"rocker_locked"`
	RouteActive  bool             `json:"route_active"`
	RouteState   string           `json:"route_state"`
	RouteStage   int              `json:"route_stage"`
	RouteTotal   int              `json:"route_total"`
	Loops        []LoopStatus     `json:"loops"`
	LastError    string           `json:"last_error,omitempty"`
}
