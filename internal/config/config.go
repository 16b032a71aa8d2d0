// Package config loads gps.Config from a YAML/JSON/TOML file and GPSMOCK_*
// environment variables, and hot-reloads it when the file changes.
package config

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/Bucknalla/go-location-mocker/gps"
	"github.com/Bucknalla/go-location-mocker/internal/logging"
)

// EnvPrefix is prepended to every environment override, e.g. GPSMOCK_MOTION_SPEED
const EnvPrefix = "GPSMOCK"

// Loader owns a viper instance and the last valid configuration it produced
type Loader struct {
	v      *viper.Viper
	logger logging.Logger

	mu      sync.RWMutex
	current gps.Config
}

// New reads path (optional) layered over defaults and environment overrides
func New(path string, logger logging.Logger) (*Loader, error) {
	if logger == nil {
		logger = logging.Noop()
	}

	v := viper.New()
	setDefaults(v, gps.DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	return &Loader{
		v:       v,
		logger:  logger.With(logging.String("component", "config")),
		current: cfg,
	}, nil
}

// Load is a one-shot helper around New
func Load(path string) (gps.Config, error) {
	l, err := New(path, nil)
	if err != nil {
		return gps.Config{}, err
	}
	return l.Config(), nil
}

// SetLogger replaces the logger used for reload messages
func (l *Loader) SetLogger(logger logging.Logger) {
	if logger == nil {
		logger = logging.Noop()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger = logger.With(logging.String("component", "config"))
}

// Path returns the config file in use, or "" when only defaults and the
// environment apply
func (l *Loader) Path() string {
	return l.v.ConfigFileUsed()
}

// Config returns the last valid configuration
func (l *Loader) Config() gps.Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch reloads the file on change and calls onChange with each new valid
// configuration. Invalid edits are logged and ignored.
func (l *Loader) Watch(onChange func(gps.Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		ctx := context.Background()
		cfg, err := decode(l.v)

		l.mu.Lock()
		logger := l.logger
		if err == nil {
			l.current = cfg
		}
		l.mu.Unlock()

		if err != nil {
			logger.Warn(ctx, "ignoring invalid config change",
				logging.String("file", e.Name), logging.Err(err))
			return
		}

		logger.Info(ctx, "config reloaded", logging.String("file", e.Name))
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}

func setDefaults(v *viper.Viper, d gps.Config) {
	v.SetDefault("position.latitude", d.Latitude)
	v.SetDefault("position.longitude", d.Longitude)
	v.SetDefault("motion.speed", d.Speed)
	v.SetDefault("motion.bearing", d.Bearing)
	v.SetDefault("motion.altitude", d.Altitude)
	v.SetDefault("motion.accuracy", d.Accuracy)
	v.SetDefault("loop.interval", d.TickInterval)
	v.SetDefault("loop.calibration", d.Calibration)
	v.SetDefault("loop.arrival_threshold", d.ArrivalThreshold)
	v.SetDefault("output.satellites", d.Satellites)
	v.SetDefault("output.serial_port", d.SerialPort)
	v.SetDefault("output.baud_rate", d.BaudRate)
	v.SetDefault("output.quiet", d.Quiet)
	v.SetDefault("output.gpx", d.GPXEnabled)
	v.SetDefault("route.file", d.RouteFile)
	v.SetDefault("run.duration", d.Duration)
	v.SetDefault("log.level", d.LogLevel)
	v.SetDefault("log.format", d.LogFormat)
	v.SetDefault("wifi_hook.enabled", d.WifiHook.Enabled)
	v.SetDefault("wifi_hook.detailed_log", d.WifiHook.DetailedLog)
	v.SetDefault("wifi_hook.allow", d.WifiHook.Allow)
	v.SetDefault("wifi_hook.deny", d.WifiHook.Deny)
}

func decode(v *viper.Viper) (gps.Config, error) {
	cfg := gps.Config{
		Latitude:         v.GetFloat64("position.latitude"),
		Longitude:        v.GetFloat64("position.longitude"),
		Speed:            v.GetFloat64("motion.speed"),
		Bearing:          v.GetFloat64("motion.bearing"),
		Altitude:         v.GetFloat64("motion.altitude"),
		Accuracy:         v.GetFloat64("motion.accuracy"),
		TickInterval:     v.GetDuration("loop.interval"),
		Calibration:      v.GetFloat64("loop.calibration"),
		ArrivalThreshold: v.GetFloat64("loop.arrival_threshold"),
		Satellites:       v.GetInt("output.satellites"),
		SerialPort:       v.GetString("output.serial_port"),
		BaudRate:         v.GetInt("output.baud_rate"),
		Quiet:            v.GetBool("output.quiet"),
		GPXEnabled:       v.GetBool("output.gpx"),
		RouteFile:        v.GetString("route.file"),
		Duration:         v.GetDuration("run.duration"),
		LogLevel:         v.GetString("log.level"),
		LogFormat:        v.GetString("log.format"),
		WifiHook: gps.HookPolicyConfig{
			Enabled:     v.GetBool("wifi_hook.enabled"),
			DetailedLog: v.GetBool("wifi_hook.detailed_log"),
			Allow:       v.GetStringSlice("wifi_hook.allow"),
			Deny:        v.GetStringSlice("wifi_hook.deny"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return gps.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
