package gps

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// GPX represents the root GPX document structure
type GPX struct {
	XMLName xml.Name   `xml:"gpx"`
	Version string     `xml:"version,attr"`
	Creator string     `xml:"creator,attr"`
	Xmlns   string     `xml:"xmlns,attr"`
	Track   Track      `xml:"trk"`
	Routes  []GPXRoute `xml:"rte"`
}

// Track represents a GPX track
type Track struct {
	Name         string       `xml:"name"`
	TrackSegment TrackSegment `xml:"trkseg"`
}

// TrackSegment represents a segment of a GPX track
type TrackSegment struct {
	TrackPoints []TrackPoint `xml:"trkpt"`
}

// TrackPoint represents a point in a GPX track
type TrackPoint struct {
	Lat       float64   `xml:"lat,attr"`
	Lon       float64   `xml:"lon,attr"`
	Elevation float64   `xml:"ele"`
	Time      time.Time `xml:"time"`
}

// GPXRoute represents a GPX route
type GPXRoute struct {
	Name        string       `xml:"name"`
	RoutePoints []TrackPoint `xml:"rtept"`
}

// GPXWriter records published fixes to a GPX track file
type GPXWriter struct {
	mu       sync.Mutex
	filename string
	gpx      *GPX
	file     *os.File
}

// NewGPXWriter creates a new GPX writer
func NewGPXWriter(filename string) (*GPXWriter, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create GPX file %s: %w", filename, err)
	}

	gpx := &GPX{
		Version: "1.1",
		Creator: "go-location-mocker",
		Xmlns:   "http://www.topografix.com/GPX/1/1",
		Track: Track{
			Name: "Simulated Track",
			TrackSegment: TrackSegment{
				TrackPoints: []TrackPoint{},
			},
		},
	}

	return &GPXWriter{
		filename: filename,
		gpx:      gpx,
		file:     file,
	}, nil
}

// Record appends a fix to the track and flushes the file every 10 points
func (w *GPXWriter) Record(fix Fix) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.gpx.Track.TrackSegment.TrackPoints = append(w.gpx.Track.TrackSegment.TrackPoints, TrackPoint{
		Lat:       fix.Position.Lat,
		Lon:       fix.Position.Lon,
		Elevation: fix.Altitude,
		Time:      fix.Timestamp.UTC(),
	})

	if len(w.gpx.Track.TrackSegment.TrackPoints)%10 == 0 {
		return w.writeLocked()
	}
	return nil
}

// WriteToFile writes the current GPX data to the file
func (w *GPXWriter) WriteToFile() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked()
}

func (w *GPXWriter) writeLocked() error {
	if w.file == nil {
		return fmt.Errorf("GPX file %s is closed", w.filename)
	}

	// Rewrite the whole document from the start
	if _, err := w.file.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to seek to beginning of file: %w", err)
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate file: %w", err)
	}

	if _, err := w.file.WriteString(xml.Header); err != nil {
		return fmt.Errorf("failed to write XML header: %w", err)
	}

	encoder := xml.NewEncoder(w.file)
	encoder.Indent("", "  ")
	if err := encoder.Encode(w.gpx); err != nil {
		return fmt.Errorf("failed to encode GPX data: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

// Close flushes and closes the GPX file
func (w *GPXWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.writeLocked()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	return err
}

// GetTrackPointCount returns the number of track points currently stored
func (w *GPXWriter) GetTrackPointCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.gpx.Track.TrackSegment.TrackPoints)
}

// ParseRoute decodes a GPX document into a route. Track points are preferred;
// the first <rte> is used when the document has no track.
func ParseRoute(r io.Reader) (Route, error) {
	var gpx GPX
	if err := xml.NewDecoder(r).Decode(&gpx); err != nil {
		return nil, fmt.Errorf("failed to parse GPX: %w", err)
	}

	var points []TrackPoint
	if len(gpx.Track.TrackSegment.TrackPoints) > 0 {
		points = gpx.Track.TrackSegment.TrackPoints
	} else if len(gpx.Routes) > 0 {
		points = gpx.Routes[0].RoutePoints
	}

	route := make(Route, 0, len(points))
	for _, p := range points {
		route = append(route, GeoPoint{Lat: p.Lat, Lon: p.Lon})
	}

	if err := route.Validate(); err != nil {
		return nil, err
	}
	return route, nil
}

// ReadRouteFile reads and parses a GPX file into a route
func ReadRouteFile(filename string) (Route, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPX file %s: %w", filename, err)
	}
	defer file.Close()

	route, err := ParseRoute(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return route, nil
}
