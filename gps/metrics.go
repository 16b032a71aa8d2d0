package gps

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes movement-engine Prometheus metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	Ticks             *prometheus.CounterVec
	TickDuration      *prometheus.HistogramVec
	MoveFailures      *prometheus.CounterVec
	WaypointsReached  prometheus.Counter
	RouteCompletions  prometheus.Counter
	DistanceTravelled *prometheus.CounterVec
}

// NewMetrics registers engine metrics against the provided registerer
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gps_loop_ticks_total",
		Help: "Number of loop ticks executed, by loop name.",
	}, []string{"loop"}), "gps_loop_ticks_total")
	if err != nil {
		return nil, err
	}

	tickDuration, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gps_loop_tick_duration_seconds",
		Help:    "Time spent in a loop tick body, by loop name.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"loop"}), "gps_loop_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	moveFailures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gps_move_failures_total",
		Help: "Movement or absolute-set commands rejected by the position sink, by loop name.",
	}, []string{"loop"}), "gps_move_failures_total")
	if err != nil {
		return nil, err
	}

	distance, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gps_distance_commanded_meters_total",
		Help: "Distance commanded through move operations, by loop name.",
	}, []string{"loop"}), "gps_distance_commanded_meters_total")
	if err != nil {
		return nil, err
	}

	waypoints, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gps_route_waypoints_reached_total",
		Help: "Waypoints reached by snapping onto them.",
	}), "gps_route_waypoints_reached_total")
	if err != nil {
		return nil, err
	}

	completions, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gps_route_completions_total",
		Help: "Routes traversed to their final waypoint.",
	}), "gps_route_completions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		gatherer:          gatherer,
		Ticks:             ticks,
		TickDuration:      tickDuration,
		MoveFailures:      moveFailures,
		WaypointsReached:  waypoints,
		RouteCompletions:  completions,
		DistanceTravelled: distance,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the metrics
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return nil
	}
	return m.gatherer
}

// ObserveTick records one executed tick and its duration
func (m *Metrics) ObserveTick(loop string, d time.Duration) {
	if m == nil {
		return
	}
	m.Ticks.WithLabelValues(loop).Inc()
	m.TickDuration.WithLabelValues(loop).Observe(d.Seconds())
}

// IncMoveFailure counts a sink command failure
func (m *Metrics) IncMoveFailure(loop string) {
	if m == nil {
		return
	}
	m.MoveFailures.WithLabelValues(loop).Inc()
}

// AddDistance accumulates commanded distance
func (m *Metrics) AddDistance(loop string, meters float64) {
	if m == nil || meters <= 0 {
		return
	}
	m.DistanceTravelled.WithLabelValues(loop).Add(meters)
}

// IncWaypointReached counts a waypoint snap
func (m *Metrics) IncWaypointReached() {
	if m == nil {
		return
	}
	m.WaypointsReached.Inc()
}

// IncRouteCompleted counts a finished route
func (m *Metrics) IncRouteCompleted() {
	if m == nil {
		return
	}
	m.RouteCompletions.Inc()
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
