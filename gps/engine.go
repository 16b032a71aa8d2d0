package gps

import (
	"context"
	"sync"
	"time"

	"github.com/Bucknalla/go-location-mocker/internal/logging"
)

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger logging.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics enables Prometheus metrics
func WithMetrics(metrics *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = metrics }
}

// WithEngineClock replaces the clock driving both loops
func WithEngineClock(clock Clock) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// OnFatal registers a callback for errors that stop a loop
func OnFatal(fn func(loop string, err error)) EngineOption {
	return func(e *Engine) { e.onFatal = fn }
}

// OnRouteComplete registers a callback for route completion
func OnRouteComplete(fn func()) EngineOption {
	return func(e *Engine) { e.onRouteComplete = fn }
}

// Engine drives a PositionSink through free-roam and route traversal. Both
// loops are created paused by Start and resumed on demand.
type Engine struct {
	mu              sync.RWMutex
	config          Config
	sink            PositionSink
	controls        *Controls
	hooks           *HookPolicy
	loops           *LoopController
	tracker         *RouteTracker
	freeRoam        *FreeRoamDriver
	logger          logging.Logger
	metrics         *Metrics
	clock           Clock
	onFatal         func(loop string, err error)
	onRouteComplete func()
	running         bool
	startTime       time.Time
	routeActive     bool
	lastErr         error
}

// NewEngine creates an engine for sink. The sink may still be uninitialized;
// loops that tick before it is ready stop with ErrNotInitialized.
func NewEngine(config Config, sink PositionSink, opts ...EngineOption) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		config:   config,
		sink:     sink,
		controls: NewControls(config.Motion()),
		logger:   logging.Noop(),
		clock:    RealClock{},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.hooks = NewHookPolicy(config.WifiHook, e.logger)
	e.loops = NewLoopController(
		WithClock(e.clock),
		WithLoopLogger(e.logger),
		WithLoopMetrics(e.metrics),
		WithErrorHandler(e.loopFailed),
	)
	e.freeRoam = NewFreeRoamDriver(sink, e.controls, config, e.logger, e.metrics)
	e.tracker = NewRouteTracker(sink, e.controls, config, e.logger, e.metrics)
	e.tracker.SetOnComplete(e.routeCompleted)

	e.forwardAttributes(config.Motion())
	return e, nil
}

// Start creates both loops in the paused state
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrEngineAlreadyRunning
	}

	e.loops.StartPaused(LoopFreeRoam, e.config.TickInterval, e.freeRoam.Tick)
	e.loops.StartPaused(LoopRoute, e.config.TickInterval, e.tracker.Tick)
	e.running = true
	e.startTime = time.Now()
	e.lastErr = nil

	e.logger.Info(context.Background(), "engine started",
		logging.Any("interval", e.config.TickInterval),
		logging.Float("calibration", e.config.Calibration))
	return nil
}

// Shutdown cancels both loops and waits for them to exit
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrEngineNotRunning
	}
	e.running = false
	e.routeActive = false
	e.mu.Unlock()

	// Loop bodies may call back into the engine, so cancel without e.mu held
	e.loops.CancelAll()
	e.tracker.Reset()

	e.logger.Info(context.Background(), "engine stopped")
	return nil
}

// IsRunning reports whether Start has been called without Shutdown
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Ready reports whether the engine is running, the sink has a position and
// no loop has failed
func (e *Engine) Ready() bool {
	e.mu.RLock()
	running, failed := e.running, e.lastErr != nil
	e.mu.RUnlock()

	if !running || failed {
		return false
	}
	if _, err := e.sink.Position(); err != nil {
		return false
	}
	return true
}

// Controls returns the shared motion inputs
func (e *Engine) Controls() *Controls { return e.controls }

// HookPolicy returns the WiFi scan interception policy
func (e *Engine) HookPolicy() *HookPolicy { return e.hooks }

// Config returns the configuration the engine was built with
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// StartFreeRoam resumes the free-roam loop, recreating it if it failed
func (e *Engine) StartFreeRoam() error {
	return e.resumeLoop(LoopFreeRoam, e.freeRoam.Tick)
}

// StopFreeRoam pauses the free-roam loop
func (e *Engine) StopFreeRoam() {
	e.loops.Pause(LoopFreeRoam)
}

// Rocker applies joystick input and starts free-roam
func (e *Engine) Rocker(x, y float64) error {
	e.controls.SetRocker(x, y)
	return e.StartFreeRoam()
}

// ReleaseRocker stops free-roam unless the rocker is locked
func (e *Engine) ReleaseRocker() {
	if e.controls.ReleaseRocker() {
		e.StopFreeRoam()
	}
}

// StartRoute arms route and resumes the route loop. An invalid route is
// rejected before anything changes.
func (e *Engine) StartRoute(route Route) error {
	if !e.IsRunning() {
		return ErrEngineNotRunning
	}
	if err := e.tracker.Rearm(route); err != nil {
		return err
	}

	e.mu.Lock()
	e.routeActive = true
	e.mu.Unlock()

	return e.resumeLoop(LoopRoute, e.tracker.Tick)
}

// PauseRoute suspends route traversal keeping its progress
func (e *Engine) PauseRoute() {
	e.loops.Pause(LoopRoute)
}

// ResumeRoute continues a paused traversal. It reports false when there is
// no active route to continue.
func (e *Engine) ResumeRoute() bool {
	e.mu.RLock()
	active := e.routeActive
	e.mu.RUnlock()

	if !active {
		return false
	}
	return e.loops.Resume(LoopRoute)
}

// StopRoute pauses the route loop and discards progress
func (e *Engine) StopRoute() {
	e.loops.Pause(LoopRoute)
	e.tracker.Reset()

	e.mu.Lock()
	e.routeActive = false
	e.mu.Unlock()
}

// SetMotion replaces all motion inputs and forwards altitude and accuracy
// to the sink
func (e *Engine) SetMotion(m MotionParameters) error {
	if err := e.controls.SetSpeed(m.Speed); err != nil {
		return err
	}
	if err := e.controls.SetBearing(m.Bearing); err != nil {
		return err
	}
	if err := e.controls.SetAccuracy(m.Accuracy); err != nil {
		return err
	}
	e.controls.SetAltitude(m.Altitude)
	e.forwardAttributes(m)
	return nil
}

// SetAltitude updates the altitude and forwards it to the sink
func (e *Engine) SetAltitude(meters float64) {
	e.controls.SetAltitude(meters)
	if attrs, ok := e.sink.(AttributeSink); ok {
		attrs.SetAltitude(meters)
	}
}

// SetAccuracy updates the accuracy and forwards it to the sink
func (e *Engine) SetAccuracy(meters float64) error {
	if err := e.controls.SetAccuracy(meters); err != nil {
		return err
	}
	if attrs, ok := e.sink.(AttributeSink); ok {
		attrs.SetAccuracy(meters)
	}
	return nil
}

// Status returns the current engine status
func (e *Engine) Status() Status {
	e.mu.RLock()
	running := e.running
	startTime := e.startTime
	routeActive := e.routeActive
	lastErr := e.lastErr
	e.mu.RUnlock()

	progress := e.tracker.Progress()
	st := Status{
		Ready:        e.Ready(),
		Motion:       e.controls.Snapshot(),
		RockerLocked: e.controls.RockerLocked(),
		RouteActive:  routeActive,
		RouteState:   progress.State.String(),
		RouteStage:   progress.Stage,
		RouteTotal:   progress.Total,
		Loops:        e.loops.Statuses(),
	}
	if running {
		st.StartTime = startTime
		st.ElapsedTime = time.Since(startTime)
	}
	if p, err := e.sink.Position(); err == nil {
		st.Position = &p
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	return st
}

// Loops exposes the loop controller, mainly for inspection
func (e *Engine) Loops() *LoopController { return e.loops }

func (e *Engine) resumeLoop(name string, body TickFunc) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrEngineNotRunning
	}
	if h := e.loops.Handle(name); h != nil && h.State() == LoopCancelled {
		e.lastErr = nil
	}
	e.mu.Unlock()

	// No-op while the existing handle is live
	e.loops.StartPaused(name, e.config.TickInterval, body)
	e.loops.Resume(name)
	return nil
}

func (e *Engine) forwardAttributes(m MotionParameters) {
	if attrs, ok := e.sink.(AttributeSink); ok {
		attrs.SetAltitude(m.Altitude)
		attrs.SetAccuracy(m.Accuracy)
	}
}

func (e *Engine) routeCompleted() {
	e.loops.Pause(LoopRoute)

	e.mu.Lock()
	e.routeActive = false
	fn := e.onRouteComplete
	e.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (e *Engine) loopFailed(name string, err error) {
	e.mu.Lock()
	e.lastErr = err
	if name == LoopRoute {
		e.routeActive = false
	}
	fn := e.onFatal
	e.mu.Unlock()

	if fn != nil {
		fn(name, err)
	}
}
