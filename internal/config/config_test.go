package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Bucknalla/go-location-mocker/gps"
	"github.com/Bucknalla/go-location-mocker/internal/logging"
)

const sampleConfig = `
position:
  latitude: 51.5074
  longitude: -0.1278
motion:
  speed: 2.5
  bearing: 90
  altitude: 11
  accuracy: 3
loop:
  interval: 500ms
  calibration: 0.9
  arrival_threshold: 2
output:
  satellites: 10
  baud_rate: 4800
route:
  file: walk.gpx
wifi_hook:
  enabled: false
  allow:
    - com.example.maps
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gps.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := gps.DefaultConfig()
	if !reflect.DeepEqual(cfg, want) {
		t.Errorf("Expected defaults %+v, got %+v", want, cfg)
	}
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Latitude != 51.5074 || cfg.Longitude != -0.1278 {
		t.Errorf("Unexpected position %f, %f", cfg.Latitude, cfg.Longitude)
	}
	if cfg.Speed != 2.5 || cfg.Bearing != 90 || cfg.Altitude != 11 || cfg.Accuracy != 3 {
		t.Errorf("Unexpected motion %+v", cfg.Motion())
	}
	if cfg.TickInterval != 500*time.Millisecond {
		t.Errorf("Expected 500ms interval, got %v", cfg.TickInterval)
	}
	if cfg.Calibration != 0.9 || cfg.ArrivalThreshold != 2 {
		t.Errorf("Unexpected calibration %f / threshold %f", cfg.Calibration, cfg.ArrivalThreshold)
	}
	if cfg.Satellites != 10 || cfg.BaudRate != 4800 {
		t.Errorf("Unexpected output settings %d / %d", cfg.Satellites, cfg.BaudRate)
	}
	if cfg.RouteFile != "walk.gpx" {
		t.Errorf("Expected route file walk.gpx, got %q", cfg.RouteFile)
	}
	if cfg.WifiHook.Enabled {
		t.Error("Expected wifi hook disabled")
	}
	if !reflect.DeepEqual(cfg.WifiHook.Allow, []string{"com.example.maps"}) {
		t.Errorf("Unexpected allow-list %v", cfg.WifiHook.Allow)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Unset keys should keep defaults, got log level %q", cfg.LogLevel)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GPSMOCK_MOTION_SPEED", "7.5")
	t.Setenv("GPSMOCK_LOOP_INTERVAL", "250ms")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Speed != 7.5 {
		t.Errorf("Expected env speed 7.5, got %f", cfg.Speed)
	}
	if cfg.TickInterval != 250*time.Millisecond {
		t.Errorf("Expected env interval 250ms, got %v", cfg.TickInterval)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{name: "Zero calibration", content: "loop:\n  calibration: 0\n", wantErr: gps.ErrInvalidCalibration},
		{name: "Bad latitude", content: "position:\n  latitude: 123\n", wantErr: gps.ErrInvalidCoordinate},
		{name: "Too few satellites", content: "output:\n  satellites: 2\n", wantErr: gps.ErrInvalidSatelliteCount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestWatchReload(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	loader, err := New(path, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	changes := make(chan gps.Config, 4)
	loader.Watch(func(cfg gps.Config) { changes <- cfg })

	// Invalid edits are ignored, so only the speed change should arrive
	updated := sampleConfig + "\n"
	updated = replaceOnce(t, updated, "speed: 2.5", "speed: 4")
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Speed == 4 {
				if loader.Config().Speed != 4 {
					t.Error("Loader should expose the reloaded config")
				}
				return
			}
		case <-deadline:
			t.Fatal("Config change was not observed")
		}
	}
}

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

func TestWatchUsesLateLogger(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	loader, err := New(path, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if loader.Path() != path {
		t.Errorf("Expected path %s, got %s", path, loader.Path())
	}

	var out syncBuffer
	loader.SetLogger(logging.New(logging.Config{Level: "debug", Format: "json", Output: &out}))
	loader.Watch(nil)

	invalid := replaceOnce(t, sampleConfig, "calibration: 0.9", "calibration: 0")
	if err := os.WriteFile(path, []byte(invalid), 0o644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "ignoring invalid config change") {
		if time.Now().After(deadline) {
			t.Fatalf("Invalid change was not logged, got %q", out.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(out.String(), `"component":"config"`) {
		t.Errorf("Expected component field, got %q", out.String())
	}
	if loader.Config().Calibration != 0.9 {
		t.Errorf("Invalid change should keep the previous config, got calibration %f", loader.Config().Calibration)
	}
}

func replaceOnce(t *testing.T, s, old, new string) string {
	t.Helper()
	for i := 0; i+len(old) <= len(s); i++ {
		if s[i:i+len(old)] == old {
			return s[:i] + new + s[i+len(old):]
		}
	}
	t.Fatalf("%q not found", old)
	return s
}
