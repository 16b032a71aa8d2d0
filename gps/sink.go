package gps

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/Bucknalla/go-location-mocker/internal/logging"
)

// PositionSink receives movement commands and answers the current position.
// Move converts distance (meters) and bearing (degrees) into a new position
// and publishes it; the engine treats it as atomic and never retries.
type PositionSink interface {
	Position() (GeoPoint, error)
	SetPosition(p GeoPoint) error
	Move(distance, bearing float64) error
}

// AttributeSink is implemented by sinks that carry altitude and accuracy.
// The engine forwards these values without interpreting them.
type AttributeSink interface {
	SetAltitude(meters float64)
	SetAccuracy(meters float64)
}

type devicePhase int

const (
	phaseUninitialized devicePhase = iota
	phaseReady
)

// Device is a simulated GPS receiver. It starts uninitialized; Attach moves
// it to ready with a starting position. Every accepted command publishes a
// fix as NMEA sentences to the configured writer, to the GPX recorder and to
// registered callbacks.
type Device struct {
	mu         sync.RWMutex
	phase      devicePhase
	position   GeoPoint
	altitude   float64
	accuracy   float64
	speed      float64 // knots, derived from the last move
	course     float64
	satellites int
	interval   time.Duration
	nmeaWriter io.Writer
	recorder   *GPXWriter
	callbacks  []func(NMEAData)
	logger     logging.Logger
	now        func() time.Time
}

// NewDevice creates an uninitialized device using the attribute and cadence
// settings from config.
func NewDevice(config Config, logger logging.Logger) *Device {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Device{
		phase:      phaseUninitialized,
		altitude:   config.Altitude,
		accuracy:   config.Accuracy,
		satellites: config.Satellites,
		interval:   config.TickInterval,
		logger:     logger.With(logging.String("component", "device")),
		now:        time.Now,
	}
}

// SetNMEAWriter sets the writer for NMEA output
func (d *Device) SetNMEAWriter(writer io.Writer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nmeaWriter = writer
}

// SetRecorder sets the GPX recorder that receives every published fix
func (d *Device) SetRecorder(recorder *GPXWriter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recorder = recorder
}

// AddCallback adds a callback function that will be called with each published fix
func (d *Device) AddCallback(callback func(NMEAData)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks = append(d.callbacks, callback)
}

// Attach moves the device to ready at the given position and publishes it
func (d *Device) Attach(p GeoPoint) error {
	if err := p.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.phase = phaseReady
	d.position = p
	d.speed = 0
	d.logger.Info(context.Background(), "device attached",
		logging.Float("lat", p.Lat), logging.Float("lon", p.Lon))
	return d.publishLocked()
}

// Detach returns the device to the uninitialized phase
func (d *Device) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.phase = phaseUninitialized
}

// Ready reports whether a position has been attached
func (d *Device) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.phase == phaseReady
}

// Position returns the current position or ErrNotInitialized
func (d *Device) Position() (GeoPoint, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.phase != phaseReady {
		return GeoPoint{}, ErrNotInitialized
	}
	return d.position, nil
}

// SetPosition places the device exactly at p
func (d *Device) SetPosition(p GeoPoint) error {
	if err := p.Validate(); err != nil {
		return &MoveError{Op: "set", Err: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.phase != phaseReady {
		return &MoveError{Op: "set", Err: ErrNotInitialized}
	}

	prev := d.snapshotLocked()
	if dist, bearing := Inverse(d.position, p); dist > 0 {
		d.updateVelocityLocked(dist, bearing)
	}
	d.position = p

	if err := d.publishLocked(); err != nil {
		d.restoreLocked(prev)
		return &MoveError{Op: "set", Err: err}
	}
	return nil
}

// Move travels distance meters along bearing from the current position
func (d *Device) Move(distance, bearing float64) error {
	if distance < 0 {
		return &MoveError{Op: "move", Err: fmt.Errorf("negative distance %f", distance)}
	}
	if math.IsNaN(distance) || math.IsInf(distance, 0) || math.IsNaN(bearing) || math.IsInf(bearing, 0) {
		return &MoveError{Op: "move", Err: fmt.Errorf("non-finite move %f m at %f deg", distance, bearing)}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.phase != phaseReady {
		return &MoveError{Op: "move", Err: ErrNotInitialized}
	}

	prev := d.snapshotLocked()
	bearing = NormalizeBearing(bearing)
	if distance > 0 {
		d.position = Direct(d.position, distance, bearing)
	}
	d.updateVelocityLocked(distance, bearing)

	if err := d.publishLocked(); err != nil {
		d.restoreLocked(prev)
		return &MoveError{Op: "move", Err: err}
	}
	return nil
}

// SetAltitude updates the reported altitude
func (d *Device) SetAltitude(meters float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.altitude = meters
}

// SetAccuracy updates the reported horizontal accuracy
func (d *Device) SetAccuracy(meters float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accuracy = meters
}

// LastFix returns the fix that would be published now, or ErrNotInitialized
func (d *Device) LastFix() (Fix, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.phase != phaseReady {
		return Fix{}, ErrNotInitialized
	}
	return d.fixLocked(), nil
}

// Close flushes and closes the GPX recorder if one is set
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.recorder == nil {
		return nil
	}
	err := d.recorder.Close()
	d.recorder = nil
	return err
}

type deviceSnapshot struct {
	position GeoPoint
	speed    float64
	course   float64
}

func (d *Device) snapshotLocked() deviceSnapshot {
	return deviceSnapshot{position: d.position, speed: d.speed, course: d.course}
}

func (d *Device) restoreLocked(s deviceSnapshot) {
	d.position = s.position
	d.speed = s.speed
	d.course = s.course
}

func (d *Device) updateVelocityLocked(distance, bearing float64) {
	d.course = NormalizeBearing(bearing)
	if d.interval > 0 {
		d.speed = distance / d.interval.Seconds() * knotsPerMeterPerSecond
	}
}

func (d *Device) fixLocked() Fix {
	return Fix{
		Position:  d.position,
		Altitude:  d.altitude,
		Accuracy:  d.accuracy,
		Speed:     d.speed,
		Course:    d.course,
		Timestamp: d.now(),
	}
}

// publishLocked emits the current fix. A failed NMEA write aborts the
// publish before the recorder and callbacks see it. Caller must hold d.mu.
func (d *Device) publishLocked() error {
	fix := d.fixLocked()
	sentences := Sentences(fix, d.satellites)

	if d.nmeaWriter != nil {
		for _, sentence := range sentences {
			if _, err := io.WriteString(d.nmeaWriter, sentence); err != nil {
				return fmt.Errorf("write NMEA: %w", err)
			}
		}
	}

	if d.recorder != nil {
		if err := d.recorder.Record(fix); err != nil {
			d.logger.Warn(context.Background(), "GPX record failed", logging.Err(err))
		}
	}

	data := NMEAData{
		Sentences: sentences,
		Fix:       fix,
		Timestamp: fix.Timestamp,
	}
	for _, callback := range d.callbacks {
		go callback(data) // Call async to avoid blocking
	}

	return nil
}
