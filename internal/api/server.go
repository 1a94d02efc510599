// Package api provides the HTTP status API of the go-pika2mqtt poller.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/resident-x/go-pika2mqtt/internal/config"
	"github.com/resident-x/go-pika2mqtt/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const apiPrefix = "/api/v1"

// Status is the poll loop summary served on /api/v1/status.
type Status struct {
	State           string    `json:"state"`
	Connected       bool      `json:"connected"`
	Upstream        string    `json:"upstream"`
	Breaker         string    `json:"breaker,omitempty"`
	Cycles          uint64    `json:"cycles"`
	UnhealthyCycles int       `json:"unhealthyCycles"`
	DeviceCount     int       `json:"deviceCount"`
	LastCycle       time.Time `json:"lastCycle"`
	SolarOutput     float64   `json:"solarOutput"`
	SolarEnergy     float64   `json:"solarEnergy"`
	GridPower       *float64  `json:"gridPower,omitempty"`

	Validation map[string]interface{} `json:"validation,omitempty"`
}

// StatusProvider is the read side of the poll loop.
type StatusProvider interface {
	Status() Status
	Devices() []domain.Device
	Device(serial string) (*domain.Device, bool)
}

// Server represents the HTTP API server that exposes the reconciled device state.
type Server struct {
	config    *config.Config
	server    *http.Server
	listener  net.Listener
	router    *mux.Router
	provider  StatusProvider
	metrics   http.Handler
	version   string
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates a new HTTP API server. metrics is mounted on /metrics when not nil.
func NewServer(cfg *config.Config, provider StatusProvider, metrics http.Handler) *Server {
	router := mux.NewRouter()

	// Create logger with API component context
	logger := log.With().Str("component", "api").Logger()

	apiServer := &Server{
		config:    cfg,
		router:    router,
		provider:  provider,
		metrics:   metrics,
		version:   "dev",
		logger:    logger,
		startTime: time.Now(),
	}

	apiServer.setupRoutes()

	return apiServer
}

// SetVersion sets the version reported on the status endpoint.
func (s *Server) SetVersion(version string) {
	s.version = version
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	// Routes live on the root router so a method mismatch answers 405.
	s.router.HandleFunc(apiPrefix+"/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc(apiPrefix+"/devices", s.handleListDevices).Methods("GET")
	s.router.HandleFunc(apiPrefix+"/devices/{serial}", s.handleGetDevice).Methods("GET")
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}
}

// Start binds the listen address and serves requests in the background.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("address", listener.Addr().String()).
			Msg("Starting HTTP API server")

		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns poll loop status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"monitor": s.provider.Status(),
	}, http.StatusOK)
}

// handleListDevices returns every device in first-seen order.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.provider.Devices()
	now := time.Now()

	result := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		result = append(result, newDeviceView(d, now))
	}

	s.writeJSON(w, map[string]interface{}{
		"devices": result,
		"count":   len(result),
	}, http.StatusOK)
}

// handleGetDevice returns a single device by serial.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]

	device, found := s.provider.Device(serial)
	if !found {
		s.writeError(w, "Device not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, newDeviceView(*device, time.Now()), http.StatusOK)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
