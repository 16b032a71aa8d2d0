package gps

import (
	"math"

	"github.com/tidwall/geodesic"
)

// Inverse solves the geodesic inverse problem on the WGS84 ellipsoid,
// returning the distance in meters from p1 to p2 and the initial bearing at
// p1 in degrees. The bearing is in (-180, 180]; use NormalizeBearing before
// handing it to a sink. When p1 == p2 the distance is 0 and the bearing is
// meaningless.
func Inverse(p1, p2 GeoPoint) (distance, bearing float64) {
	geodesic.WGS84.Inverse(p1.Lat, p1.Lon, p2.Lat, p2.Lon, &distance, &bearing, nil)
	return distance, bearing
}

// Direct solves the geodesic direct problem on the WGS84 ellipsoid: the point
// reached by travelling distance meters from p along the given bearing.
func Direct(p GeoPoint, distance, bearing float64) GeoPoint {
	var lat, lon float64
	geodesic.WGS84.Direct(p.Lat, p.Lon, bearing, distance, &lat, &lon, nil)

	// Normalize longitude to -180 to +180 range
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}

	return GeoPoint{Lat: lat, Lon: lon}
}

// NormalizeBearing folds a bearing into [0, 360)
func NormalizeBearing(bearing float64) float64 {
	bearing = math.Mod(bearing, 360)
	if bearing < 0 {
		bearing += 360
	}
	if bearing >= 360 {
		bearing = 0
	}
	return bearing
}

// knotsPerMeterPerSecond converts m/s into knots for NMEA output
const knotsPerMeterPerSecond = 1.94384
