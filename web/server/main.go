package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Bucknalla/go-location-mocker/gps"
	"github.com/Bucknalla/go-location-mocker/internal/config"
	"github.com/Bucknalla/go-location-mocker/internal/logging"
)

// message is the envelope for everything pushed over the websocket
type message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// clientMessage is a control message sent by a websocket client
type clientMessage struct {
	Type string  `json:"type"` // rocker, rocker_release
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(msg message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(msg)
}

// maxRouteBody caps uploaded routes, JSON or GPX
const maxRouteBody = 4 << 20

type WebServer struct {
	mu         sync.RWMutex
	engine     *gps.Engine
	device     *gps.Device
	lastConfig gps.Config

	logger   logging.Logger
	registry *prometheus.Registry
	metrics  *gps.Metrics
	upgrader websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[string]*client
	broadcast chan message
}

func NewWebServer(initial gps.Config, logger logging.Logger) (*WebServer, error) {
	if logger == nil {
		logger = logging.Noop()
	}
	registry := prometheus.NewRegistry()
	metrics, err := gps.NewMetrics(registry)
	if err != nil {
		return nil, err
	}

	return &WebServer{
		lastConfig: initial,
		logger:     logger.With(logging.String("component", "web")),
		registry:   registry,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		clients:   make(map[string]*client),
		broadcast: make(chan message, 64),
	}, nil
}

// Router wires the API, websocket, metrics and static routes
func (ws *WebServer) Router(staticDir string) *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.Use(ws.requestLogger)
	api.HandleFunc("/start", ws.handleStart).Methods("POST")
	api.HandleFunc("/stop", ws.handleStop).Methods("POST")
	api.HandleFunc("/status", ws.handleGetStatus).Methods("GET")
	api.HandleFunc("/config", ws.handleUpdateConfig).Methods("POST")
	api.HandleFunc("/freeroam", ws.handleStartFreeRoam).Methods("POST")
	api.HandleFunc("/freeroam", ws.handleStopFreeRoam).Methods("DELETE")
	api.HandleFunc("/rocker", ws.handleRocker).Methods("POST")
	api.HandleFunc("/rocker", ws.handleReleaseRocker).Methods("DELETE")
	api.HandleFunc("/rocker/lock", ws.handleRockerLock).Methods("PUT")
	api.HandleFunc("/route", ws.handleStartRoute).Methods("POST")
	api.HandleFunc("/route/pause", ws.handlePauseRoute).Methods("POST")
	api.HandleFunc("/route/resume", ws.handleResumeRoute).Methods("POST")
	api.HandleFunc("/route/stop", ws.handleStopRoute).Methods("POST")
	api.HandleFunc("/wifi-policy", ws.handleGetWifiPolicy).Methods("GET")
	api.HandleFunc("/wifi-policy", ws.handleUpdateWifiPolicy).Methods("PUT")
	api.HandleFunc("/wifi-policy/{package}", ws.handleCheckWifiPolicy).Methods("GET")
	api.HandleFunc("/ws", ws.handleWebSocket)

	r.Handle("/metrics", promhttp.HandlerFor(ws.registry, promhttp.HandlerOpts{}))

	// Handle favicon.ico requests
	r.HandleFunc("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if staticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(staticDir)))
	}
	return r
}

// requestLogger tags every API request's logger with a request ID
func (ws *WebServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := ws.logger.With(
			logging.String("request_id", uuid.NewString()),
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path))
		ctx := logging.ContextWithLogger(r.Context(), logger)
		logger.Debug(ctx, "request")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gps.ErrEngineNotRunning), errors.Is(err, gps.ErrEngineAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, gps.ErrInvalidRoute),
		errors.Is(err, gps.ErrInvalidCoordinate),
		errors.Is(err, gps.ErrInvalidSpeed),
		errors.Is(err, gps.ErrInvalidBearing),
		errors.Is(err, gps.ErrInvalidAccuracy),
		errors.Is(err, gps.ErrInvalidTickInterval),
		errors.Is(err, gps.ErrInvalidCalibration),
		errors.Is(err, gps.ErrInvalidThreshold),
		errors.Is(err, gps.ErrInvalidSatelliteCount),
		errors.Is(err, gps.ErrInvalidBaudRate):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeBodyError reports an undecodable request body, or 413 when it hit
// the size limit
func writeBodyError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// currentEngine returns the running engine or ErrEngineNotRunning
func (ws *WebServer) currentEngine() (*gps.Engine, error) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	if ws.engine == nil {
		return nil, gps.ErrEngineNotRunning
	}
	return ws.engine, nil
}

func (ws *WebServer) publish(msg message) {
	select {
	case ws.broadcast <- msg:
	default:
		// Channel full, skip this update
	}
}

func (ws *WebServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.FromContext(r.Context()).Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}
	defer conn.Close()

	c := &client{id: uuid.NewString(), conn: conn}
	ws.clientsMu.Lock()
	ws.clients[c.id] = c
	total := len(ws.clients)
	ws.clientsMu.Unlock()
	logging.FromContext(r.Context()).Info(r.Context(), "client connected",
		logging.String("client", c.id), logging.Int("clients", total))

	defer func() {
		ws.clientsMu.Lock()
		delete(ws.clients, c.id)
		total := len(ws.clients)
		ws.clientsMu.Unlock()
		logging.FromContext(r.Context()).Info(context.Background(), "client disconnected",
			logging.String("client", c.id), logging.Int("clients", total))
	}()

	// Send current status immediately
	if engine, err := ws.currentEngine(); err == nil {
		if err := c.send(message{Type: "status", Data: engine.Status()}); err != nil {
			logging.FromContext(r.Context()).Warn(r.Context(), "failed to send status", logging.Err(err))
		}
	}

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Warn(context.Background(), "websocket read error", logging.Err(err))
			}
			return
		}
		ws.handleClientMessage(c, msg)
	}
}

func (ws *WebServer) handleClientMessage(c *client, msg clientMessage) {
	engine, err := ws.currentEngine()
	if err == nil {
		switch msg.Type {
		case "rocker":
			err = engine.Rocker(msg.X, msg.Y)
		case "rocker_release":
			engine.ReleaseRocker()
		default:
			err = fmt.Errorf("unknown message type %q", msg.Type)
		}
	}
	if err != nil {
		c.send(message{Type: "error", Data: err.Error()})
	}
}

func (ws *WebServer) broadcastToClients() {
	for msg := range ws.broadcast {
		ws.clientsMu.Lock()
		clients := make([]*client, 0, len(ws.clients))
		for _, c := range ws.clients {
			clients = append(clients, c)
		}
		ws.clientsMu.Unlock()

		// Send to all connected clients
		for _, c := range clients {
			if err := c.send(msg); err != nil {
				ws.logger.Warn(context.Background(), "websocket write error",
					logging.String("client", c.id), logging.Err(err))
				c.conn.Close()
			}
		}
	}
}

func (ws *WebServer) handleStart(w http.ResponseWriter, r *http.Request) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	// An empty body reuses the last stored config
	cfg := ws.lastConfig
	var jsonConfig map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&jsonConfig); err == nil {
		cfg = parseConfig(cfg, jsonConfig)
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, err)
		return
	}
	ws.lastConfig = cfg

	// Stop existing engine if running
	if ws.engine != nil {
		logging.FromContext(r.Context()).Info(r.Context(), "stopping existing engine before starting new one")
		ws.stopLocked()
	}

	device := gps.NewDevice(cfg, ws.logger)
	device.AddCallback(func(data gps.NMEAData) {
		ws.publish(message{Type: "nmea_data", Data: data})
	})

	engine, err := gps.NewEngine(cfg, device,
		gps.WithLogger(ws.logger),
		gps.WithMetrics(ws.metrics),
		gps.OnRouteComplete(func() {
			ws.publish(message{Type: "route_completed"})
		}),
		gps.OnFatal(func(loop string, err error) {
			ws.publish(message{Type: "error", Data: map[string]string{"loop": loop, "error": err.Error()}})
		}),
	)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := device.Attach(cfg.StartPosition()); err != nil {
		writeError(w, err)
		return
	}
	if err := engine.Start(); err != nil {
		writeError(w, err)
		return
	}

	ws.engine = engine
	ws.device = device
	logging.FromContext(r.Context()).Info(r.Context(), "engine started",
		logging.Float("lat", cfg.Latitude), logging.Float("lon", cfg.Longitude))

	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (ws *WebServer) stopLocked() {
	if err := ws.engine.Shutdown(); err != nil {
		ws.logger.Warn(context.Background(), "failed to stop engine", logging.Err(err))
	}
	ws.device.Detach()
	ws.engine = nil
	ws.device = nil
}

func (ws *WebServer) handleStop(w http.ResponseWriter, r *http.Request) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.engine != nil {
		ws.stopLocked()
		logging.FromContext(r.Context()).Info(r.Context(), "engine stopped")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (ws *WebServer) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	engine, err := ws.currentEngine()
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"running": false,
			"message": "No engine instance",
		})
		return
	}
	writeJSON(w, http.StatusOK, engine.Status())
}

func (ws *WebServer) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var jsonConfig map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&jsonConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid JSON: %v", err)})
		return
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	cfg := parseConfig(ws.lastConfig, jsonConfig)
	if err := cfg.Validate(); err != nil {
		writeError(w, err)
		return
	}
	ws.lastConfig = cfg

	// Only motion applies live; the rest is used on the next start
	if ws.engine != nil {
		if err := ws.engine.SetMotion(cfg.Motion()); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (ws *WebServer) handleStartFreeRoam(w http.ResponseWriter, r *http.Request) {
	engine, err := ws.currentEngine()
	if err == nil {
		err = engine.StartFreeRoam()
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "free-roaming"})
}

func (ws *WebServer) handleStopFreeRoam(w http.ResponseWriter, r *http.Request) {
	engine, err := ws.currentEngine()
	if err != nil {
		writeError(w, err)
		return
	}
	engine.StopFreeRoam()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (ws *WebServer) handleRocker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid JSON: %v", err)})
		return
	}

	engine, err := ws.currentEngine()
	if err == nil {
		err = engine.Rocker(body.X, body.Y)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, engine.Status().Motion)
}

func (ws *WebServer) handleReleaseRocker(w http.ResponseWriter, r *http.Request) {
	engine, err := ws.currentEngine()
	if err != nil {
		writeError(w, err)
		return
	}
	engine.ReleaseRocker()
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (ws *WebServer) handleRockerLock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Locked bool `json:"locked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid JSON: %v", err)})
		return
	}

	engine, err := ws.currentEngine()
	if err != nil {
		writeError(w, err)
		return
	}
	engine.Controls().SetRockerLocked(body.Locked)
	writeJSON(w, http.StatusOK, map[string]bool{"locked": body.Locked})
}

// handleStartRoute accepts either a GPX document or a JSON list of waypoints
func (ws *WebServer) handleStartRoute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRouteBody)

	var route gps.Route
	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "xml") || strings.Contains(contentType, "gpx") {
		parsed, err := gps.ParseRoute(r.Body)
		if err != nil {
			writeBodyError(w, err)
			return
		}
		route = parsed
	} else {
		var body struct {
			Waypoints []gps.GeoPoint `json:"waypoints"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeBodyError(w, fmt.Errorf("invalid JSON: %w", err))
			return
		}
		route = body.Waypoints
	}

	engine, err := ws.currentEngine()
	if err == nil {
		err = engine.StartRoute(route)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "started", "waypoints": len(route)})
}

func (ws *WebServer) handlePauseRoute(w http.ResponseWriter, r *http.Request) {
	engine, err := ws.currentEngine()
	if err != nil {
		writeError(w, err)
		return
	}
	engine.PauseRoute()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (ws *WebServer) handleResumeRoute(w http.ResponseWriter, r *http.Request) {
	engine, err := ws.currentEngine()
	if err != nil {
		writeError(w, err)
		return
	}
	if !engine.ResumeRoute() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no active route"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (ws *WebServer) handleStopRoute(w http.ResponseWriter, r *http.Request) {
	engine, err := ws.currentEngine()
	if err != nil {
		writeError(w, err)
		return
	}
	engine.StopRoute()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (ws *WebServer) handleGetWifiPolicy(w http.ResponseWriter, r *http.Request) {
	engine, err := ws.currentEngine()
	if err != nil {
		ws.mu.RLock()
		cfg := ws.lastConfig.WifiHook
		ws.mu.RUnlock()
		writeJSON(w, http.StatusOK, cfg)
		return
	}
	writeJSON(w, http.StatusOK, engine.HookPolicy().Config())
}

func (ws *WebServer) handleUpdateWifiPolicy(w http.ResponseWriter, r *http.Request) {
	var cfg gps.HookPolicyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid JSON: %v", err)})
		return
	}

	ws.mu.Lock()
	ws.lastConfig.WifiHook = cfg
	engine := ws.engine
	ws.mu.Unlock()

	if engine != nil {
		engine.HookPolicy().Replace(cfg)
		cfg = engine.HookPolicy().Config()
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (ws *WebServer) handleCheckWifiPolicy(w http.ResponseWriter, r *http.Request) {
	pkg := mux.Vars(r)["package"]

	engine, err := ws.currentEngine()
	var policy *gps.HookPolicy
	if err == nil {
		policy = engine.HookPolicy()
	} else {
		ws.mu.RLock()
		policy = gps.NewHookPolicy(ws.lastConfig.WifiHook, nil)
		ws.mu.RUnlock()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"package": pkg, "hook": policy.ShouldHook(pkg)})
}

// parseConfig overlays JSON fields onto base with proper type conversion
func parseConfig(base gps.Config, jsonConfig map[string]interface{}) gps.Config {
	config := base

	// Helper function to safely convert interface{} to float64
	getFloat := func(key string, defaultValue float64) float64 {
		if val, ok := jsonConfig[key]; ok {
			if f, ok := val.(float64); ok {
				return f
			}
		}
		return defaultValue
	}

	// Helper function to safely convert interface{} to int
	getInt := func(key string, defaultValue int) int {
		if val, ok := jsonConfig[key]; ok {
			if f, ok := val.(float64); ok {
				return int(f)
			}
		}
		return defaultValue
	}

	// Helper function to safely convert interface{} to bool
	getBool := func(key string, defaultValue bool) bool {
		if val, ok := jsonConfig[key]; ok {
			if b, ok := val.(bool); ok {
				return b
			}
		}
		return defaultValue
	}

	// Helper function to safely convert interface{} to time.Duration
	getDuration := func(key string, defaultValue time.Duration) time.Duration {
		if val, ok := jsonConfig[key]; ok {
			if s, ok := val.(string); ok {
				if d, err := time.ParseDuration(s); err == nil {
					return d
				}
			}
		}
		return defaultValue
	}

	config.Latitude = getFloat("latitude", config.Latitude)
	config.Longitude = getFloat("longitude", config.Longitude)
	config.Altitude = getFloat("altitude", config.Altitude)
	config.Accuracy = getFloat("accuracy", config.Accuracy)
	config.Speed = getFloat("speed", config.Speed)
	config.Bearing = getFloat("bearing", config.Bearing)
	config.TickInterval = getDuration("tick_interval", config.TickInterval)
	config.Calibration = getFloat("calibration", config.Calibration)
	config.ArrivalThreshold = getFloat("arrival_threshold", config.ArrivalThreshold)
	config.Satellites = getInt("satellites", config.Satellites)
	config.BaudRate = getInt("baud_rate", config.BaudRate)
	config.Quiet = getBool("quiet", config.Quiet)

	return config
}

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	configFile := flag.String("config", "", "Configuration file (yaml, json or toml)")
	staticDir := flag.String("static", filepath.Join(".", "static"), "Directory with the web UI")
	flag.Parse()

	logger := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error(ctx, "failed to load config", logging.Err(err))
		os.Exit(1)
	}

	webServer, err := NewWebServer(cfg, logger)
	if err != nil {
		logger.Error(ctx, "failed to create web server", logging.Err(err))
		os.Exit(1)
	}

	// Start the broadcast goroutine
	go webServer.broadcastToClients()

	server := &http.Server{
		Addr:         *addr,
		Handler:      webServer.Router(*staticDir),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "starting location mocker web server", logging.String("addr", *addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(ctx, "web server failed", logging.Err(err))
		os.Exit(1)
	}

	webServer.mu.Lock()
	if webServer.engine != nil {
		webServer.stopLocked()
	}
	webServer.mu.Unlock()
}
