package gps

import (
	"math"
	"time"
)

const (
	// DefaultCalibration compensates for the systematic overshoot of the
	// position-setting mechanism. Empirical; tune per device.
	DefaultCalibration = 0.85

	// DefaultArrivalThreshold is the distance in meters under which a
	// waypoint counts as reached.
	DefaultArrivalThreshold = 1.0
)

// Config holds all configuration options for the location mocker
type Config struct {
	Latitude         float64       // starting latitude, used when the device is attached
	Longitude        float64       // starting longitude
	Altitude         float64       // altitude in meters, passed through to the sink
	Accuracy         float64       // horizontal accuracy in meters, passed through to the sink
	Speed            float64       // speed in meters per second
	Bearing          float64       // bearing in degrees (0-359)
	TickInterval     time.Duration // loop cadence for both free-roam and route
	Calibration      float64       // per-tick displacement divisor
	ArrivalThreshold float64       // waypoint arrival distance in meters
	Satellites       int           // satellite count reported in GGA
	SerialPort       string        // Serial port device (e.g., /dev/ttyUSB0, COM1)
	BaudRate         int           // Serial baud rate
	Quiet            bool          // Suppress informational messages
	GPXEnabled       bool          // Record published fixes to a GPX track
	GPXFile          string        // Generated GPX filename (internal use)
	RouteFile        string        // GPX file with the route to follow (empty = free-roam)
	Duration         time.Duration // How long to run (0 = run indefinitely)
	LogLevel         string        // debug, info, warn, error
	LogFormat        string        // text or json
	WifiHook         HookPolicyConfig
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Latitude:         37.7749, // San Francisco
		Longitude:        -122.4194,
		Altitude:         45.0,
		Accuracy:         5.0,
		Speed:            1.4, // walking pace
		Bearing:          0.0,
		TickInterval:     1 * time.Second,
		Calibration:      DefaultCalibration,
		ArrivalThreshold: DefaultArrivalThreshold,
		Satellites:       8,
		BaudRate:         9600,
		Quiet:            false,
		GPXEnabled:       false,
		Duration:         0,
		LogLevel:         "info",
		LogFormat:        "text",
		WifiHook:         DefaultHookPolicyConfig(),
	}
}

// Motion returns the motion parameters carried by the configuration
func (c *Config) Motion() MotionParameters {
	return MotionParameters{
		Speed:    c.Speed,
		Bearing:  c.Bearing,
		Altitude: c.Altitude,
		Accuracy: c.Accuracy,
	}
}

// StartPosition returns the configured starting point
func (c *Config) StartPosition() GeoPoint {
	return GeoPoint{Lat: c.Latitude, Lon: c.Longitude}
}

// Validate checks if the configuration is valid and returns an error if not
func (c *Config) Validate() error {
	if err := c.StartPosition().Validate(); err != nil {
		return err
	}
	if c.TickInterval <= 0 {
		return ErrInvalidTickInterval
	}
	if !finite(c.Calibration) || c.Calibration <= 0 {
		return ErrInvalidCalibration
	}
	if !finite(c.ArrivalThreshold) || c.ArrivalThreshold <= 0 {
		return ErrInvalidThreshold
	}
	if !finite(c.Speed) || c.Speed < 0.0 {
		return ErrInvalidSpeed
	}
	if math.IsNaN(c.Bearing) || c.Bearing < 0.0 || c.Bearing >= 360.0 {
		return ErrInvalidBearing
	}
	if !finite(c.Accuracy) || c.Accuracy < 0.0 {
		return ErrInvalidAccuracy
	}
	if c.Satellites < 4 || c.Satellites > 12 {
		return ErrInvalidSatelliteCount
	}
	if c.BaudRate <= 0 {
		return ErrInvalidBaudRate
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
