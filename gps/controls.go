package gps

import (
	"math"
	"sync"
)

// Controls holds the operator-controlled motion inputs. Setters may be called
// at any time; loop bodies read a consistent copy via Snapshot.
type Controls struct {
	mu           sync.RWMutex
	motion       MotionParameters
	rockerActive bool
	rockerLocked bool
}

// NewControls creates controls seeded with initial motion parameters
func NewControls(initial MotionParameters) *Controls {
	initial.Bearing = NormalizeBearing(initial.Bearing)
	return &Controls{motion: initial}
}

// Snapshot returns the current motion parameters
func (c *Controls) Snapshot() MotionParameters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.motion
}

// SetSpeed sets the speed in meters per second
func (c *Controls) SetSpeed(speed float64) error {
	if speed < 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return ErrInvalidSpeed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.motion.Speed = speed
	return nil
}

// SetBearing sets the bearing; values outside [0, 360) are folded into range
func (c *Controls) SetBearing(bearing float64) error {
	if math.IsNaN(bearing) || math.IsInf(bearing, 0) {
		return ErrInvalidBearing
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.motion.Bearing = NormalizeBearing(bearing)
	return nil
}

// SetAltitude sets the pass-through altitude
func (c *Controls) SetAltitude(meters float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.motion.Altitude = meters
}

// SetAccuracy sets the pass-through horizontal accuracy
func (c *Controls) SetAccuracy(meters float64) error {
	if meters < 0 || math.IsNaN(meters) {
		return ErrInvalidAccuracy
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.motion.Accuracy = meters
	return nil
}

// SetRocker applies joystick input. x points east and y points north; the
// bearing becomes the direction of the vector. A zero vector keeps the
// previous bearing.
func (c *Controls) SetRocker(x, y float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rockerActive = true
	if x == 0 && y == 0 {
		return
	}
	c.motion.Bearing = NormalizeBearing(math.Atan2(x, y) * 180 / math.Pi)
}

// ReleaseRocker records that the joystick was let go. It reports whether
// free-roam should stop, which is the case unless the rocker is locked.
func (c *Controls) ReleaseRocker() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rockerActive = false
	return !c.rockerLocked
}

// SetRockerLocked keeps free-roam moving after the rocker is released
func (c *Controls) SetRockerLocked(locked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rockerLocked = locked
}

// RockerLocked reports the lock state
func (c *Controls) RockerLocked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rockerLocked
}

// RockerActive reports whether the joystick is currently held
func (c *Controls) RockerActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rockerActive
}
