package gps

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Bucknalla/go-location-mocker/internal/logging"
)

// Loop names used by the engine
const (
	LoopFreeRoam = "free-roam"
	LoopRoute    = "route"
)

// LoopState is the lifecycle state of a LoopHandle
type LoopState int

const (
	LoopRunning LoopState = iota
	LoopPaused
	LoopCancelled
)

func (s LoopState) String() string {
	switch s {
	case LoopRunning:
		return "running"
	case LoopPaused:
		return "paused"
	case LoopCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TickFunc is the body of a periodic task. A returned error stops the loop
// permanently; recoverable conditions must be handled inside the body.
type TickFunc func(ctx context.Context) error

// Clock abstracts the interval wait so loops can be driven by tests
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

// RealClock waits on wall-clock time
type RealClock struct{}

// After implements Clock
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// LoopHandle represents one running periodic task
type LoopHandle struct {
	id       string
	name     string
	interval time.Duration

	mu      sync.Mutex
	state   LoopState
	resumed chan struct{} // closed while not paused
	ticks   uint64
	err     error

	cancel context.CancelFunc
	done   chan struct{}
}

func newLoopHandle(name string, interval time.Duration, paused bool) *LoopHandle {
	h := &LoopHandle{
		id:       uuid.NewString(),
		name:     name,
		interval: interval,
		state:    LoopRunning,
		resumed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	if paused {
		h.state = LoopPaused
	} else {
		close(h.resumed)
	}
	return h
}

// ID returns the unique handle identifier
func (h *LoopHandle) ID() string { return h.id }

// Name returns the task name
func (h *LoopHandle) Name() string { return h.name }

// Interval returns the tick interval
func (h *LoopHandle) Interval() time.Duration { return h.interval }

// State returns the current lifecycle state
func (h *LoopHandle) State() LoopState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Ticks returns the number of completed tick bodies
func (h *LoopHandle) Ticks() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ticks
}

// Err returns the error that stopped the loop, if any
func (h *LoopHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed once the loop goroutine has exited
func (h *LoopHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the loop exits and returns its error
func (h *LoopHandle) Wait() error {
	<-h.done
	return h.Err()
}

// Status returns a snapshot of the handle
func (h *LoopHandle) Status() LoopStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := LoopStatus{
		Name:     h.name,
		ID:       h.id,
		State:    h.state.String(),
		Interval: h.interval,
		Ticks:    h.ticks,
	}
	if h.err != nil {
		st.Error = h.err.Error()
	}
	return st
}

func (h *LoopHandle) pause() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != LoopRunning {
		return false
	}
	h.state = LoopPaused
	h.resumed = make(chan struct{})
	return true
}

func (h *LoopHandle) resume() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != LoopPaused {
		return false
	}
	h.state = LoopRunning
	close(h.resumed)
	return true
}

// stop marks the handle cancelled and records err if it is the first cause
func (h *LoopHandle) stop(err error) {
	h.mu.Lock()
	if h.state != LoopCancelled {
		h.state = LoopCancelled
		h.err = err
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *LoopHandle) paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == LoopPaused
}

// waitGate blocks while the handle is paused
func (h *LoopHandle) waitGate(ctx context.Context) error {
	h.mu.Lock()
	gate := h.resumed
	h.mu.Unlock()

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *LoopHandle) incTicks() {
	h.mu.Lock()
	h.ticks++
	h.mu.Unlock()
}

// LoopOption configures a LoopController
type LoopOption func(*LoopController)

// WithClock replaces the wall clock used for interval waits
func WithClock(clock Clock) LoopOption {
	return func(c *LoopController) { c.clock = clock }
}

// WithLoopLogger sets the logger for loop lifecycle events
func WithLoopLogger(logger logging.Logger) LoopOption {
	return func(c *LoopController) { c.logger = logger }
}

// WithLoopMetrics records tick counts and durations
func WithLoopMetrics(metrics *Metrics) LoopOption {
	return func(c *LoopController) { c.metrics = metrics }
}

// WithErrorHandler is called when a tick body stops its loop with an error
func WithErrorHandler(fn func(name string, err error)) LoopOption {
	return func(c *LoopController) { c.onError = fn }
}

// LoopController runs named periodic tasks with at most one live handle per
// name. Ticks of one task are strictly sequential; different tasks run
// concurrently with no ordering between them.
type LoopController struct {
	mu      sync.Mutex
	loops   map[string]*LoopHandle
	clock   Clock
	logger  logging.Logger
	metrics *Metrics
	onError func(name string, err error)
	wg      sync.WaitGroup
}

// NewLoopController creates a controller with no running tasks
func NewLoopController(opts ...LoopOption) *LoopController {
	c := &LoopController{
		loops:  make(map[string]*LoopHandle),
		clock:  RealClock{},
		logger: logging.Noop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins ticking body every interval under name. If a live handle
// already exists for name it is returned unchanged.
func (c *LoopController) Start(name string, interval time.Duration, body TickFunc) *LoopHandle {
	return c.start(name, interval, body, false)
}

// StartPaused is like Start but the new handle waits for Resume before its
// first tick.
func (c *LoopController) StartPaused(name string, interval time.Duration, body TickFunc) *LoopHandle {
	return c.start(name, interval, body, true)
}

func (c *LoopController) start(name string, interval time.Duration, body TickFunc, paused bool) *LoopHandle {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.loops[name]
	if prev != nil && prev.State() != LoopCancelled {
		return prev
	}

	h := newLoopHandle(name, interval, paused)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	c.loops[name] = h

	c.logger.Info(ctx, "loop started",
		logging.String("loop", name),
		logging.String("id", h.id),
		logging.Any("interval", interval),
		logging.Any("paused", paused))

	c.wg.Add(1)
	go c.run(ctx, h, prev, body)
	return h
}

func (c *LoopController) run(ctx context.Context, h, prev *LoopHandle, body TickFunc) {
	defer c.wg.Done()
	defer close(h.done)

	log := c.logger.With(logging.String("loop", h.name), logging.String("id", h.id))

	// A replaced handle may still be finishing its last tick
	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return
		}
	}

	for {
		if err := h.waitGate(ctx); err != nil {
			log.Debug(ctx, "loop cancelled while paused")
			return
		}

		select {
		case <-ctx.Done():
			log.Debug(ctx, "loop cancelled while waiting")
			return
		case <-c.clock.After(h.interval):
		}

		// A pause issued during the wait takes effect before the body runs
		if h.paused() {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		err := body(ctx)
		h.incTicks()
		c.metrics.ObserveTick(h.name, time.Since(started))

		if err != nil {
			h.stop(err)
			log.Error(ctx, "loop stopped", logging.Err(err))
			if c.onError != nil {
				c.onError(h.name, err)
			}
			return
		}
	}
}

// Pause suspends ticking of name. It reports whether the state changed.
func (c *LoopController) Pause(name string) bool {
	h := c.Handle(name)
	if h == nil || !h.pause() {
		return false
	}
	c.logger.Debug(context.Background(), "loop paused", logging.String("loop", name))
	return true
}

// Resume continues ticking of name. It reports whether the state changed.
func (c *LoopController) Resume(name string) bool {
	h := c.Handle(name)
	if h == nil || !h.resume() {
		return false
	}
	c.logger.Debug(context.Background(), "loop resumed", logging.String("loop", name))
	return true
}

// Cancel stops name permanently; a later Start creates a fresh handle
func (c *LoopController) Cancel(name string) bool {
	h := c.Handle(name)
	if h == nil || h.State() == LoopCancelled {
		return false
	}
	h.stop(nil)
	c.logger.Info(context.Background(), "loop cancelled", logging.String("loop", name))
	return true
}

// CancelAll cancels every task and waits for their goroutines to exit
func (c *LoopController) CancelAll() {
	c.mu.Lock()
	handles := make([]*LoopHandle, 0, len(c.loops))
	for _, h := range c.loops {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		if h.State() != LoopCancelled {
			h.stop(nil)
		}
	}
	c.wg.Wait()
}

// Handle returns the current handle for name, or nil
func (c *LoopController) Handle(name string) *LoopHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loops[name]
}

// Statuses returns a snapshot of every known handle ordered by name
func (c *LoopController) Statuses() []LoopStatus {
	c.mu.Lock()
	handles := make([]*LoopHandle, 0, len(c.loops))
	for _, h := range c.loops {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	out := make([]LoopStatus, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
