package gps

import (
	"fmt"
	"math"
	"time"
)

// userRangeError is the nominal receiver range error in meters used to turn
// a horizontal accuracy into an HDOP value.
const userRangeError = 5.0

// calculateChecksum calculates the NMEA checksum for a sentence
func calculateChecksum(sentence string) string {
	var checksum byte
	for i := 1; i < len(sentence); i++ { // Skip the '$' character
		checksum ^= sentence[i]
	}
	return fmt.Sprintf("%02X", checksum)
}

// formatNMEA formats a complete NMEA sentence with checksum
func formatNMEA(sentence string) string {
	checksum := calculateChecksum(sentence)
	return fmt.Sprintf("%s*%s\r\n", sentence, checksum)
}

// nmeaCoordinates converts decimal degrees into the DDMM.MMMM / DDDMM.MMMM
// fields plus hemisphere letters.
func nmeaCoordinates(p GeoPoint) string {
	latDeg := int(math.Abs(p.Lat))
	latMin := (math.Abs(p.Lat) - float64(latDeg)) * 60
	latHem := "N"
	if p.Lat < 0 {
		latHem = "S"
	}

	lonDeg := int(math.Abs(p.Lon))
	lonMin := (math.Abs(p.Lon) - float64(lonDeg)) * 60
	lonHem := "E"
	if p.Lon < 0 {
		lonHem = "W"
	}

	return fmt.Sprintf("%02d%07.4f,%s,%03d%07.4f,%s", latDeg, latMin, latHem, lonDeg, lonMin, lonHem)
}

// hdop derives a horizontal dilution of precision from the fix accuracy
func hdop(accuracy float64) float64 {
	h := accuracy / userRangeError
	if h < 0.5 {
		h = 0.5
	}
	return h
}

func nmeaTime(ts time.Time) string {
	utc := ts.UTC()
	return fmt.Sprintf("%02d%02d%02d.%02d",
		utc.Hour(), utc.Minute(), utc.Second(), utc.Nanosecond()/10000000) // HHMMSS.SS
}

// generateGGA generates a GGA (Global Positioning System Fix Data) sentence
func generateGGA(fix Fix, satellites int) string {
	timeStr := fix.Timestamp.UTC().Format("150405") // HHMMSS

	sentence := fmt.Sprintf("$GPGGA,%s,%s,1,%02d,%.1f,%.1f,M,0.0,M,,",
		timeStr,
		nmeaCoordinates(fix.Position),
		satellites,
		hdop(fix.Accuracy),
		fix.Altitude)

	return formatNMEA(sentence)
}

// generateRMC generates an RMC (Recommended Minimum) sentence
func generateRMC(fix Fix) string {
	timeStr := fix.Timestamp.UTC().Format("150405") // HHMMSS
	dateStr := fix.Timestamp.UTC().Format("020106") // DDMMYY

	sentence := fmt.Sprintf("$GPRMC,%s,A,%s,%.1f,%.1f,%s,,,A",
		timeStr,
		nmeaCoordinates(fix.Position),
		fix.Speed, fix.Course, dateStr)

	return formatNMEA(sentence)
}

// generateVTG generates a VTG (Track Made Good and Ground Speed) sentence
func generateVTG(fix Fix) string {
	// 1 knot = 1.852 km/h
	sentence := fmt.Sprintf("$GPVTG,%.1f,T,,M,%.1f,N,%.1f,K,A",
		fix.Course, fix.Speed, fix.Speed*1.852)

	return formatNMEA(sentence)
}

// generateGLL generates a GLL (Geographic Position - Latitude/Longitude) sentence
func generateGLL(fix Fix) string {
	sentence := fmt.Sprintf("$GPGLL,%s,%s,A,A",
		nmeaCoordinates(fix.Position),
		nmeaTime(fix.Timestamp))

	return formatNMEA(sentence)
}

// generateZDA generates a ZDA (UTC Date and Time) sentence
func generateZDA(fix Fix) string {
	utc := fix.Timestamp.UTC()

	sentence := fmt.Sprintf("$GPZDA,%s,%02d,%02d,%04d,00,00",
		nmeaTime(fix.Timestamp), utc.Day(), int(utc.Month()), utc.Year())

	return formatNMEA(sentence)
}

// Sentences renders the full NMEA burst for a fix
func Sentences(fix Fix, satellites int) []string {
	return []string{
		generateGGA(fix, satellites),
		generateRMC(fix),
		generateGLL(fix),
		generateVTG(fix),
		generateZDA(fix),
	}
}
