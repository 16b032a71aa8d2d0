package gps

import (
	"context"
	"errors"
	"time"

	"github.com/Bucknalla/go-location-mocker/internal/logging"
)

// FreeRoamDriver moves the sink along the operator's bearing at the
// operator's speed, one displacement per tick.
type FreeRoamDriver struct {
	sink        PositionSink
	controls    *Controls
	interval    time.Duration
	calibration float64
	logger      logging.Logger
	metrics     *Metrics
}

// NewFreeRoamDriver creates a driver using the cadence settings from cfg
func NewFreeRoamDriver(sink PositionSink, controls *Controls, cfg Config, logger logging.Logger, metrics *Metrics) *FreeRoamDriver {
	if logger == nil {
		logger = logging.Noop()
	}
	return &FreeRoamDriver{
		sink:        sink,
		controls:    controls,
		interval:    cfg.TickInterval,
		calibration: cfg.Calibration,
		logger:      logger.With(logging.String("loop", LoopFreeRoam)),
		metrics:     metrics,
	}
}

// Tick issues one move command. Only ErrNotInitialized is returned; other
// sink failures are logged and the next tick proceeds normally.
func (d *FreeRoamDriver) Tick(ctx context.Context) error {
	motion := d.controls.Snapshot()
	distance := PerTick(motion.Speed, d.interval, d.calibration)

	if err := d.sink.Move(distance, motion.Bearing); err != nil {
		return moveFailed(ctx, d.logger, d.metrics, LoopFreeRoam, err)
	}
	d.metrics.AddDistance(LoopFreeRoam, distance)
	return nil
}

// moveFailed classifies a sink error. ErrNotInitialized is fatal to the
// loop and returned as-is; anything else is logged, counted and dropped.
func moveFailed(ctx context.Context, logger logging.Logger, metrics *Metrics, loop string, err error) error {
	if errors.Is(err, ErrNotInitialized) {
		return ErrNotInitialized
	}
	metrics.IncMoveFailure(loop)
	logger.Warn(ctx, "failed to move", logging.Err(err))
	return nil
}
