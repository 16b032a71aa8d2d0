package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.bug.st/serial"

	"github.com/Bucknalla/go-location-mocker/gps"
	"github.com/Bucknalla/go-location-mocker/internal/config"
	"github.com/Bucknalla/go-location-mocker/internal/logging"
)

// Version information - populated at build time via ldflags
var (
	Version   = "dev"     // Will be set to git tag if available, otherwise "dev"
	Commit    = "unknown" // Will be set to git commit hash
	BuildDate = "unknown" // Will be set to build timestamp
)

// options are command line settings that are not part of gps.Config
type options struct {
	configFile  string
	metricsAddr string
	showVersion bool
	loader      *config.Loader
}

// parseFlags layers explicitly set flags over the file/env configuration
func parseFlags(args []string, stderr io.Writer) (gps.Config, options, error) {
	var opts options
	flags := gps.DefaultConfig()

	fs := flag.NewFlagSet("gps-simulator", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&opts.showVersion, "version", false, "Show version information and exit")
	fs.StringVar(&opts.configFile, "config", "", "Configuration file (yaml, json or toml)")
	fs.StringVar(&opts.metricsAddr, "metrics", "", "Serve Prometheus metrics on this address (e.g., :9100)")
	fs.Float64Var(&flags.Latitude, "lat", flags.Latitude, "Initial latitude (decimal degrees)")
	fs.Float64Var(&flags.Longitude, "lon", flags.Longitude, "Initial longitude (decimal degrees)")
	fs.Float64Var(&flags.Altitude, "altitude", flags.Altitude, "Altitude in meters")
	fs.Float64Var(&flags.Accuracy, "accuracy", flags.Accuracy, "Horizontal accuracy in meters")
	fs.Float64Var(&flags.Speed, "speed", flags.Speed, "Speed in meters per second")
	fs.Float64Var(&flags.Bearing, "bearing", flags.Bearing, "Free-roam bearing in degrees (0-359)")
	fs.DurationVar(&flags.TickInterval, "rate", flags.TickInterval, "Movement tick interval")
	fs.Float64Var(&flags.Calibration, "calibration", flags.Calibration, "Per-tick displacement calibration divisor")
	fs.Float64Var(&flags.ArrivalThreshold, "threshold", flags.ArrivalThreshold, "Waypoint arrival threshold in meters")
	fs.IntVar(&flags.Satellites, "satellites", flags.Satellites, "Number of satellites to report (4-12)")
	fs.StringVar(&flags.SerialPort, "serial", flags.SerialPort, "Serial port for NMEA output (e.g., /dev/ttyUSB0, COM1)")
	fs.IntVar(&flags.BaudRate, "baud", flags.BaudRate, "Serial port baud rate")
	fs.BoolVar(&flags.Quiet, "quiet", flags.Quiet, "Suppress info messages (only output NMEA data)")
	fs.BoolVar(&flags.GPXEnabled, "gpx", flags.GPXEnabled, "Record a GPX track file with timestamp-based filename")
	fs.StringVar(&flags.RouteFile, "route", flags.RouteFile, "GPX file with a route to follow instead of free-roaming")
	fs.DurationVar(&flags.Duration, "duration", flags.Duration, "How long to run (e.g., 30s, 5m, 1h). Default is indefinite")
	fs.StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&flags.LogFormat, "log-format", flags.LogFormat, "Log format (text or json)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: gps-simulator [options]\n")
		fmt.Fprintf(stderr, "\nGPS location mocker\n")
		fmt.Fprintf(stderr, "Moves a simulated device along a route or under free-roam control and outputs NMEA sentences.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return gps.Config{}, opts, err
	}
	if opts.showVersion {
		return gps.Config{}, opts, nil
	}

	loader, err := config.New(opts.configFile, nil)
	if err != nil {
		return gps.Config{}, opts, err
	}
	opts.loader = loader
	cfg := loader.Config()

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "lat":
			cfg.Latitude = flags.Latitude
		case "lon":
			cfg.Longitude = flags.Longitude
		case "altitude":
			cfg.Altitude = flags.Altitude
		case "accuracy":
			cfg.Accuracy = flags.Accuracy
		case "speed":
			cfg.Speed = flags.Speed
		case "bearing":
			cfg.Bearing = flags.Bearing
		case "rate":
			cfg.TickInterval = flags.TickInterval
		case "calibration":
			cfg.Calibration = flags.Calibration
		case "threshold":
			cfg.ArrivalThreshold = flags.ArrivalThreshold
		case "satellites":
			cfg.Satellites = flags.Satellites
		case "serial":
			cfg.SerialPort = flags.SerialPort
		case "baud":
			cfg.BaudRate = flags.BaudRate
		case "quiet":
			cfg.Quiet = flags.Quiet
		case "gpx":
			cfg.GPXEnabled = flags.GPXEnabled
		case "route":
			cfg.RouteFile = flags.RouteFile
		case "duration":
			cfg.Duration = flags.Duration
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "log-format":
			cfg.LogFormat = flags.LogFormat
		}
	})

	if err := cfg.Validate(); err != nil {
		return gps.Config{}, opts, err
	}
	if cfg.GPXEnabled && cfg.GPXFile == "" {
		cfg.GPXFile = fmt.Sprintf("%s.gpx", time.Now().Format("20060102_150405"))
	}
	return cfg, opts, nil
}

func main() {
	cfg, opts, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if opts.showVersion {
		if Version != "dev" {
			fmt.Printf("v%s\n", Version)
		} else {
			fmt.Printf("%s\n", Commit)
		}
		os.Exit(0)
	}

	level := cfg.LogLevel
	if cfg.Quiet {
		level = "error"
	}
	logger := logging.New(logging.Config{Level: level, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Log to stderr so it doesn't interfere with NMEA output
	out, closeOut, err := openOutput(cfg)
	if err != nil {
		logger.Error(ctx, "failed to open output", logging.Err(err))
		os.Exit(1)
	}
	defer closeOut()

	reload := make(chan gps.Config, 1)
	opts.loader.SetLogger(logger)
	opts.loader.Watch(func(c gps.Config) {
		select {
		case reload <- c:
		default:
		}
	})

	registry := prometheus.NewRegistry()
	metrics, err := gps.NewMetrics(registry)
	if err != nil {
		logger.Error(ctx, "failed to register metrics", logging.Err(err))
		os.Exit(1)
	}
	if opts.metricsAddr != "" {
		go serveMetrics(ctx, opts.metricsAddr, registry, logger)
	}

	if err := run(ctx, cfg, out, reload, logger, metrics); err != nil {
		logger.Error(ctx, "simulation stopped", logging.Err(err))
		closeOut()
		os.Exit(1)
	}
}

// openOutput returns the NMEA destination, either the configured serial
// port or stdout
func openOutput(cfg gps.Config) (io.Writer, func(), error) {
	if cfg.SerialPort == "" {
		return os.Stdout, func() {}, nil
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.SerialPort, mode)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open serial port %s: %w", cfg.SerialPort, err)
	}

	var once sync.Once
	return port, func() { once.Do(func() { port.Close() }) }, nil
}

func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	logger.Info(ctx, "serving metrics", logging.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn(ctx, "metrics server stopped", logging.Err(err))
	}
}

// run drives the engine until ctx is cancelled, the configured duration
// elapses, the route completes or a loop fails fatally
func run(ctx context.Context, cfg gps.Config, out io.Writer, reload <-chan gps.Config, logger logging.Logger, metrics *gps.Metrics) error {
	if logger == nil {
		logger = logging.Noop()
	}

	var route gps.Route
	if cfg.RouteFile != "" {
		var err error
		route, err = gps.ReadRouteFile(cfg.RouteFile)
		if err != nil {
			return err
		}
	}

	device := gps.NewDevice(cfg, logger)
	device.SetNMEAWriter(out)
	if cfg.GPXEnabled {
		recorder, err := gps.NewGPXWriter(cfg.GPXFile)
		if err != nil {
			return err
		}
		device.SetRecorder(recorder)
		logger.Info(ctx, "recording GPX track", logging.String("file", cfg.GPXFile))
	}
	defer func() {
		if err := device.Close(); err != nil {
			logger.Warn(ctx, "failed to close GPX recorder", logging.Err(err))
		}
	}()

	routeDone := make(chan struct{})
	var doneOnce sync.Once
	fatal := make(chan error, 1)

	engine, err := gps.NewEngine(cfg, device,
		gps.WithLogger(logger),
		gps.WithMetrics(metrics),
		gps.OnRouteComplete(func() { doneOnce.Do(func() { close(routeDone) }) }),
		gps.OnFatal(func(loop string, err error) {
			select {
			case fatal <- fmt.Errorf("%s loop: %w", loop, err):
			default:
			}
		}),
	)
	if err != nil {
		return err
	}

	if err := device.Attach(cfg.StartPosition()); err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return err
	}
	defer engine.Shutdown()

	if route != nil {
		logger.Info(ctx, "following route",
			logging.String("file", cfg.RouteFile), logging.Int("waypoints", len(route)))
		err = engine.StartRoute(route)
	} else {
		logger.Info(ctx, "free-roaming",
			logging.Float("speed", cfg.Speed), logging.Float("bearing", cfg.Bearing))
		err = engine.StartFreeRoam()
	}
	if err != nil {
		return err
	}

	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info(context.Background(), "simulation stopped")
			return nil
		case <-routeDone:
			logger.Info(ctx, "route completed")
			return nil
		case err := <-fatal:
			return err
		case c := <-reload:
			if err := engine.SetMotion(c.Motion()); err != nil {
				logger.Warn(ctx, "ignoring reloaded motion", logging.Err(err))
			}
			engine.HookPolicy().Replace(c.WifiHook)
		}
	}
}
