package gps

import (
	"context"
	"sync"
	"time"

	"github.com/Bucknalla/go-location-mocker/internal/logging"
)

// RouteState is the traversal state of a RouteTracker
type RouteState int

const (
	RouteNotStarted RouteState = iota
	RouteEnRoute
	RouteCompleted
)

func (s RouteState) String() string {
	switch s {
	case RouteNotStarted:
		return "not_started"
	case RouteEnRoute:
		return "en_route"
	case RouteCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// RouteProgress is a point-in-time view of a traversal
type RouteProgress struct {
	State RouteState
	Stage int
	Total int
}

// RouteTracker walks the sink through an ordered list of waypoints. Each tick
// it snaps onto every waypoint that is within the arrival threshold or within
// one tick of travel, then moves one tick toward the next one.
type RouteTracker struct {
	mu          sync.Mutex
	sink        PositionSink
	controls    *Controls
	interval    time.Duration
	calibration float64
	threshold   float64
	route       Route
	state       RouteState
	stage       int
	onComplete  func()
	logger      logging.Logger
	metrics     *Metrics
}

// NewRouteTracker creates an unarmed tracker using the cadence and arrival
// settings from cfg
func NewRouteTracker(sink PositionSink, controls *Controls, cfg Config, logger logging.Logger, metrics *Metrics) *RouteTracker {
	if logger == nil {
		logger = logging.Noop()
	}
	return &RouteTracker{
		sink:        sink,
		controls:    controls,
		interval:    cfg.TickInterval,
		calibration: cfg.Calibration,
		threshold:   cfg.ArrivalThreshold,
		state:       RouteNotStarted,
		logger:      logger.With(logging.String("loop", LoopRoute)),
		metrics:     metrics,
	}
}

// SetOnComplete registers fn to run after the final waypoint is reached.
// fn is called without the tracker lock held.
func (t *RouteTracker) SetOnComplete(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onComplete = fn
}

// Rearm validates route and prepares a fresh traversal. An invalid route
// leaves the tracker untouched.
func (t *RouteTracker) Rearm(route Route) error {
	if err := route.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.route = append(Route(nil), route...)
	t.state = RouteNotStarted
	t.stage = 0
	t.logger.Info(context.Background(), "route armed", logging.Int("waypoints", len(route)))
	return nil
}

// Reset abandons the current traversal; the next tick starts over at the
// first waypoint
func (t *RouteTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = RouteNotStarted
	t.stage = 0
}

// Progress returns the current state and stage
func (t *RouteTracker) Progress() RouteProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return RouteProgress{State: t.state, Stage: t.stage, Total: len(t.route)}
}

// Route returns a copy of the armed route
func (t *RouteTracker) Route() Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append(Route(nil), t.route...)
}

// Tick advances the traversal by one interval. Only ErrNotInitialized is
// returned; other sink failures are logged and retried on the next tick.
func (t *RouteTracker) Tick(ctx context.Context) error {
	completed, err := t.tick(ctx)
	if err != nil {
		return err
	}

	if completed {
		t.mu.Lock()
		fn := t.onComplete
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
	return nil
}

func (t *RouteTracker) tick(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == RouteCompleted || len(t.route) == 0 {
		return false, nil
	}

	if t.state == RouteNotStarted {
		// Seed the position on the first waypoint without spending travel
		if err := t.sink.SetPosition(t.route[0]); err != nil {
			return false, moveFailed(ctx, t.logger, t.metrics, LoopRoute, err)
		}
		t.stage = 1
		t.state = RouteEnRoute
		t.logger.Debug(ctx, "route started",
			logging.Float("lat", t.route[0].Lat), logging.Float("lon", t.route[0].Lon))
	}

	perTick := PerTick(t.controls.Snapshot().Speed, t.interval, t.calibration)

	for t.stage < len(t.route) {
		target := t.route[t.stage]
		current, err := t.sink.Position()
		if err != nil {
			return false, err
		}

		dist, _ := Inverse(current, target)
		if dist >= t.threshold && dist >= perTick {
			break
		}

		if err := t.sink.SetPosition(target); err != nil {
			return false, moveFailed(ctx, t.logger, t.metrics, LoopRoute, err)
		}
		t.stage++
		t.metrics.IncWaypointReached()
		t.logger.Debug(ctx, "waypoint reached",
			logging.Int("stage", t.stage), logging.Float("distance", dist))
	}

	if t.stage >= len(t.route) {
		t.state = RouteCompleted
		t.stage = 0
		t.metrics.IncRouteCompleted()
		t.logger.Info(ctx, "route completed", logging.Int("waypoints", len(t.route)))
		return true, nil
	}

	target := t.route[t.stage]
	current, err := t.sink.Position()
	if err != nil {
		return false, err
	}
	_, bearing := Inverse(current, target)
	bearing = NormalizeBearing(bearing)

	t.logger.Debug(ctx, "moving toward waypoint",
		logging.Int("stage", t.stage),
		logging.Float("bearing", bearing),
		logging.Float("distance", perTick))

	if err := t.sink.Move(perTick, bearing); err != nil {
		return false, moveFailed(ctx, t.logger, t.metrics, LoopRoute, err)
	}
	t.metrics.AddDistance(LoopRoute, perTick)
	return false, nil
}
