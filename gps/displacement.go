package gps

import "time"

// PerTick converts a speed in meters per second into the distance travelled
// during one tick of the given interval, divided by the calibration factor.
//
//	perTick = speed / (1000 / intervalMs) / calibration
//
// Non-positive speed, interval or calibration yield 0.
func PerTick(speed float64, interval time.Duration, calibration float64) float64 {
	if speed <= 0 || interval <= 0 || calibration <= 0 {
		return 0
	}
	intervalMs := float64(interval) / float64(time.Millisecond)
	return speed / (1000.0 / intervalMs) / calibration
}
