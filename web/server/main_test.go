package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Bucknalla/go-location-mocker/gps"
	"github.com/Bucknalla/go-location-mocker/internal/logging"
)

const gpxRoute = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
  <rte>
    <rtept lat="0" lon="0"></rtept>
    <rtept lat="0" lon="0.01"></rtept>
    <rtept lat="0.01" lon="0.01"></rtept>
  </rte>
</gpx>`

func createTestServer(t *testing.T) (*WebServer, *httptest.Server) {
	t.Helper()
	cfg := gps.DefaultConfig()
	cfg.Latitude, cfg.Longitude = 0, 0
	cfg.TickInterval = 10 * time.Millisecond

	ws, err := NewWebServer(cfg, nil)
	if err != nil {
		t.Fatalf("NewWebServer failed: %v", err)
	}
	go ws.broadcastToClients()

	srv := httptest.NewServer(ws.Router(""))
	t.Cleanup(func() {
		srv.Close()
		ws.mu.Lock()
		if ws.engine != nil {
			ws.stopLocked()
		}
		ws.mu.Unlock()
	})
	return ws, srv
}

func do(t *testing.T, srv *httptest.Server, method, path, contentType, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var decoded map[string]interface{}
	json.Unmarshal(raw, &decoded)
	return resp.StatusCode, decoded
}

func TestStatusWithoutEngine(t *testing.T) {
	_, srv := createTestServer(t)

	code, body := do(t, srv, "GET", "/api/status", "", "")
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if body["running"] != false {
		t.Errorf("Expected running false, got %v", body["running"])
	}
}

func TestStartStop(t *testing.T) {
	_, srv := createTestServer(t)

	code, body := do(t, srv, "POST", "/api/start", "application/json", `{"latitude": 10, "speed": 2}`)
	if code != http.StatusOK || body["status"] != "started" {
		t.Fatalf("Unexpected start response %d %v", code, body)
	}

	code, body = do(t, srv, "GET", "/api/status", "", "")
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if body["ready"] != true {
		t.Errorf("Expected ready engine, got %v", body)
	}
	position, _ := body["position"].(map[string]interface{})
	if position["lat"] != 10.0 {
		t.Errorf("Expected start latitude 10, got %v", position["lat"])
	}

	code, _ = do(t, srv, "POST", "/api/stop", "", "")
	if code != http.StatusOK {
		t.Errorf("Expected 200 on stop, got %d", code)
	}
	_, body = do(t, srv, "GET", "/api/status", "", "")
	if body["running"] != false {
		t.Errorf("Expected no engine after stop, got %v", body)
	}
}

func TestStartInvalidConfig(t *testing.T) {
	_, srv := createTestServer(t)

	code, _ := do(t, srv, "POST", "/api/start", "application/json", `{"satellites": 2}`)
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", code)
	}
}

func TestEndpointsRequireEngine(t *testing.T) {
	_, srv := createTestServer(t)

	testCases := []struct {
		method string
		path   string
		body   string
	}{
		{"POST", "/api/freeroam", ""},
		{"POST", "/api/rocker", `{"x": 1, "y": 0}`},
		{"DELETE", "/api/rocker", ""},
		{"POST", "/api/route", `{"waypoints": [{"lat": 0, "lon": 0}]}`},
		{"POST", "/api/route/pause", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			code, _ := do(t, srv, tc.method, tc.path, "application/json", tc.body)
			if code != http.StatusConflict {
				t.Errorf("Expected 409, got %d", code)
			}
		})
	}
}

func TestUpdateConfig(t *testing.T) {
	ws, srv := createTestServer(t)

	code, _ := do(t, srv, "POST", "/api/config", "application/json", `{"speed": 4}`)
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if ws.lastConfig.Speed != 4 {
		t.Errorf("Expected stored speed 4, got %f", ws.lastConfig.Speed)
	}

	do(t, srv, "POST", "/api/start", "", "")
	code, _ = do(t, srv, "POST", "/api/config", "application/json", `{"bearing": 90, "accuracy": 3}`)
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	_, body := do(t, srv, "GET", "/api/status", "", "")
	motion, _ := body["motion"].(map[string]interface{})
	if motion["bearing"] != 90.0 || motion["accuracy"] != 3.0 || motion["speed"] != 4.0 {
		t.Errorf("Expected live motion update, got %v", motion)
	}

	code, _ = do(t, srv, "POST", "/api/config", "application/json", `{"speed": -1}`)
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative speed, got %d", code)
	}
	code, _ = do(t, srv, "POST", "/api/config", "application/json", `not json`)
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid JSON, got %d", code)
	}
}

func TestRocker(t *testing.T) {
	_, srv := createTestServer(t)
	do(t, srv, "POST", "/api/start", "", "")

	code, body := do(t, srv, "POST", "/api/rocker", "application/json", `{"x": 1, "y": 0}`)
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if body["bearing"] != 90.0 {
		t.Errorf("Expected bearing 90, got %v", body["bearing"])
	}

	code, body = do(t, srv, "PUT", "/api/rocker/lock", "application/json", `{"locked": true}`)
	if code != http.StatusOK || body["locked"] != true {
		t.Errorf("Unexpected lock response %d %v", code, body)
	}

	do(t, srv, "DELETE", "/api/rocker", "", "")
	_, body = do(t, srv, "GET", "/api/status", "", "")
	if body["rocker_locked"] != true {
		t.Errorf("Expected rocker lock in status, got %v", body["rocker_locked"])
	}
}

func TestRouteLifecycle(t *testing.T) {
	_, srv := createTestServer(t)
	do(t, srv, "POST", "/api/start", "", "")

	code, _ := do(t, srv, "POST", "/api/route/resume", "", "")
	if code != http.StatusConflict {
		t.Errorf("Expected 409 resuming without a route, got %d", code)
	}

	code, body := do(t, srv, "POST", "/api/route", "application/gpx+xml", gpxRoute)
	if code != http.StatusOK || body["waypoints"] != 3.0 {
		t.Fatalf("Unexpected route response %d %v", code, body)
	}

	_, body = do(t, srv, "GET", "/api/status", "", "")
	if body["route_active"] != true || body["route_total"] != 3.0 {
		t.Errorf("Expected active 3-waypoint route, got %v", body)
	}

	do(t, srv, "POST", "/api/route/pause", "", "")
	code, _ = do(t, srv, "POST", "/api/route/resume", "", "")
	if code != http.StatusOK {
		t.Errorf("Expected 200 resuming an active route, got %d", code)
	}

	do(t, srv, "POST", "/api/route/stop", "", "")
	_, body = do(t, srv, "GET", "/api/status", "", "")
	if body["route_active"] != false {
		t.Errorf("Expected route cleared after stop, got %v", body["route_active"])
	}
}

func TestRouteInvalid(t *testing.T) {
	_, srv := createTestServer(t)
	do(t, srv, "POST", "/api/start", "", "")

	testCases := []struct {
		name        string
		contentType string
		body        string
	}{
		{"Empty waypoints", "application/json", `{"waypoints": []}`},
		{"Bad coordinate", "application/json", `{"waypoints": [{"lat": 95, "lon": 0}]}`},
		{"Malformed JSON", "application/json", `{"waypoints":`},
		{"Malformed GPX", "application/xml", `<gpx><rte>`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			code, _ := do(t, srv, "POST", "/api/route", tc.contentType, tc.body)
			if code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", code)
			}
		})
	}
}

func TestWifiPolicy(t *testing.T) {
	_, srv := createTestServer(t)

	_, body := do(t, srv, "GET", "/api/wifi-policy/com.example.maps", "", "")
	if body["hook"] != true {
		t.Errorf("Keyword match should be hooked, got %v", body)
	}

	code, _ := do(t, srv, "PUT", "/api/wifi-policy", "application/json", `{"enabled": false}`)
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	_, body = do(t, srv, "GET", "/api/wifi-policy/com.example.maps", "", "")
	if body["hook"] != false {
		t.Errorf("Disabled policy should not hook, got %v", body)
	}

	do(t, srv, "POST", "/api/start", "", "")
	code, _ = do(t, srv, "PUT", "/api/wifi-policy", "application/json",
		`{"enabled": true, "allow": ["com.example.maps"], "deny": ["com.example.notes"]}`)
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	_, body = do(t, srv, "GET", "/api/wifi-policy/com.example.notes", "", "")
	if body["hook"] != true {
		t.Errorf("Deny-listed package should be hooked, got %v", body)
	}
	_, body = do(t, srv, "GET", "/api/wifi-policy/com.example.maps", "", "")
	if body["hook"] != false {
		t.Errorf("Allow-listed package should not be hooked, got %v", body)
	}
	_, body = do(t, srv, "GET", "/api/wifi-policy", "", "")
	if body["enabled"] != true {
		t.Errorf("Expected enabled policy, got %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := createTestServer(t)
	do(t, srv, "POST", "/api/start", "", "")
	do(t, srv, "POST", "/api/freeroam", "", "")

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := srv.Client().Get(srv.URL + "/metrics")
		if err != nil {
			t.Fatalf("GET /metrics failed: %v", err)
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if strings.Contains(string(raw), `gps_loop_ticks_total{loop="free-roam"}`) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Free-roam ticks not exported:\n%s", raw)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWebSocket(t *testing.T) {
	_, srv := createTestServer(t)
	do(t, srv, "POST", "/api/start", "", "")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read status: %v", err)
	}
	if msg["type"] != "status" {
		t.Errorf("Expected initial status message, got %v", msg["type"])
	}

	// Steering over the socket starts free-roam and streams fixes back
	if err := conn.WriteJSON(map[string]interface{}{"type": "rocker", "x": 0, "y": 1}); err != nil {
		t.Fatalf("Failed to send rocker: %v", err)
	}
	for {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("No NMEA data received: %v", err)
		}
		if msg["type"] == "nmea_data" {
			break
		}
	}

	if err := conn.WriteJSON(map[string]interface{}{"type": "bogus"}); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}
	for {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("No error reply received: %v", err)
		}
		if msg["type"] == "error" {
			break
		}
	}
}

func TestParseConfig(t *testing.T) {
	base := gps.DefaultConfig()
	cfg := parseConfig(base, map[string]interface{}{
		"latitude":      1.5,
		"satellites":    10.0,
		"tick_interval": "250ms",
		"quiet":         true,
		"speed":         "fast",
	})

	if cfg.Latitude != 1.5 {
		t.Errorf("Expected latitude 1.5, got %f", cfg.Latitude)
	}
	if cfg.Satellites != 10 {
		t.Errorf("Expected 10 satellites, got %d", cfg.Satellites)
	}
	if cfg.TickInterval != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", cfg.TickInterval)
	}
	if !cfg.Quiet {
		t.Error("Expected quiet true")
	}
	if cfg.Speed != base.Speed {
		t.Errorf("Wrong-typed speed should keep %f, got %f", base.Speed, cfg.Speed)
	}
}

func TestRouteBodyLimit(t *testing.T) {
	_, srv := createTestServer(t)
	do(t, srv, "POST", "/api/start", "", "")

	waypoint := `{"lat": 0, "lon": 0},`
	oversized := `{"waypoints": [` + strings.Repeat(waypoint, maxRouteBody/len(waypoint)+1) + `{"lat": 0, "lon": 0}]}`
	code, _ := do(t, srv, "POST", "/api/route", "application/json", oversized)
	if code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413 for oversized JSON route, got %d", code)
	}

	point := `<trkpt lat="0" lon="0"></trkpt>`
	oversizedGPX := `<gpx><trk><trkseg>` + strings.Repeat(point, maxRouteBody/len(point)+1) + `</trkseg></trk></gpx>`
	code, _ = do(t, srv, "POST", "/api/route", "application/gpx+xml", oversizedGPX)
	if code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413 for oversized GPX route, got %d", code)
	}

	_, body := do(t, srv, "GET", "/api/status", "", "")
	if body["route_active"] != false {
		t.Errorf("Rejected upload should not start a route, got %v", body["route_active"])
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRequestLogger(t *testing.T) {
	var out syncBuffer
	logger := logging.New(logging.Config{Level: "info", Format: "json", Output: &out})

	ws, err := NewWebServer(gps.DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("NewWebServer failed: %v", err)
	}
	srv := httptest.NewServer(ws.Router(""))
	t.Cleanup(func() {
		srv.Close()
		ws.mu.Lock()
		if ws.engine != nil {
			ws.stopLocked()
		}
		ws.mu.Unlock()
	})

	do(t, srv, "POST", "/api/start", "", "")

	var started map[string]interface{}
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.Contains(line, `"engine started"`) {
			if err := json.Unmarshal([]byte(line), &started); err != nil {
				t.Fatalf("Invalid JSON log line %q: %v", line, err)
			}
		}
	}
	if started == nil {
		t.Fatalf("Expected an engine started log line, got:\n%s", out.String())
	}
	if id, _ := started["request_id"].(string); id == "" {
		t.Errorf("Expected a request_id on handler logs, got %v", started)
	}
	if started["path"] != "/api/start" || started["method"] != "POST" {
		t.Errorf("Expected request method and path on handler logs, got %v", started)
	}
}
