package gps

import (
	"errors"
	"fmt"
)

// Common errors returned by the location mocker
var (
	ErrNotInitialized        = errors.New("position sink is not initialized")
	ErrInvalidRoute          = errors.New("invalid route")
	ErrInvalidCoordinate     = errors.New("coordinate out of range")
	ErrInvalidTickInterval   = errors.New("tick interval must be positive")
	ErrInvalidCalibration    = errors.New("calibration must be positive")
	ErrInvalidThreshold      = errors.New("arrival threshold must be positive")
	ErrInvalidSpeed          = errors.New("speed must be non-negative")
	ErrInvalidBearing        = errors.New("bearing must be between 0.0 and 359.9 degrees")
	ErrInvalidAccuracy       = errors.New("accuracy must be non-negative")
	ErrInvalidSatelliteCount = errors.New("number of satellites must be between 4 and 12")
	ErrInvalidBaudRate       = errors.New("baud rate must be positive")
	ErrEngineNotRunning      = errors.New("engine is not running")
	ErrEngineAlreadyRunning  = errors.New("engine is already running")
)

// MoveError reports that the sink failed to apply a movement or absolute-set
// command. The position is assumed unchanged.
type MoveError struct {
	Op  string // "move" or "set"
	Err error
}

func (e *MoveError) Error() string {
	return fmt.Sprintf("%s position: %v", e.Op, e.Err)
}

func (e *MoveError) Unwrap() error { return e.Err }
