// Package status implements the bridge's local HTTP status API: health,
// build info, entity state and intents, message counters and a
// WebSocket stream of operational events.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/hisense-bridge/internal/buildinfo"
	"github.com/nugget/hisense-bridge/internal/connwatch"
	"github.com/nugget/hisense-bridge/internal/events"
	"github.com/nugget/hisense-bridge/internal/mqtt"
	"github.com/nugget/hisense-bridge/internal/tv"
)

// Registry exposes the registered switches.
type Registry interface {
	Entities() []tv.Snapshot
	Lookup(uniqueID string) (tv.Controllable, bool)
}

// Health reports dependency health.
type Health interface {
	Status() []connwatch.ServiceStatus
	Ready() bool
}

// Counters reports broker message counts.
type Counters interface {
	Snapshot() mqtt.CountersSnapshot
}

// Config wires a Server to its data sources. Health, Counters and Events
// are optional.
type Config struct {
	Address  string
	Port     int
	Registry Registry
	Health   Health
	Counters Counters
	Events   *events.Bus
	Logger   *slog.Logger
}

// Server is the status HTTP server.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// NewServer creates a status server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the API routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/entities", s.handleEntities)
	mux.HandleFunc("GET /v1/entities/{id}", s.handleEntity)
	mux.HandleFunc("POST /v1/entities/{id}/turn_on", s.handleIntent(true))
	mux.HandleFunc("POST /v1/entities/{id}/turn_off", s.handleIntent(false))

	mux.HandleFunc("GET /v1/counters", s.handleCounters)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start serves HTTP until Shutdown is called. It returns nil after a
// clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting status API server", "address", addr, "port", s.cfg.Port)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "healthy"}
	code := http.StatusOK
	if s.cfg.Health != nil {
		resp["services"] = s.cfg.Health.Status()
		if !s.cfg.Health.Ready() {
			resp["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

func (s *Server) handleEntities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"entities": s.cfg.Registry.Entities(),
	}, s.logger)
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctl, ok := s.cfg.Registry.Lookup(id)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown entity: "+id)
		return
	}
	writeJSON(w, http.StatusOK, ctl.State(), s.logger)
}

// handleIntent forwards a turn_on/turn_off request. The response only
// confirms the command went out; state follows when the TV reports it.
func (s *Server) handleIntent(on bool) http.HandlerFunc {
	action := "turn_off"
	if on {
		action = "turn_on"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		ctl, ok := s.cfg.Registry.Lookup(id)
		if !ok {
			s.errorResponse(w, http.StatusNotFound, "unknown entity: "+id)
			return
		}

		var err error
		if on {
			err = ctl.TurnOn(r.Context())
		} else {
			err = ctl.TurnOff(r.Context())
		}
		if err != nil {
			s.logger.Error("entity intent failed", "unique_id", id, "action", action, "error", err)
			s.errorResponse(w, http.StatusBadGateway, err.Error())
			return
		}

		s.logger.Info("entity intent sent", "unique_id", id, "action", action)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"unique_id": id,
			"action":    action,
			"state":     ctl.State(),
		}, s.logger)
	}
}

func (s *Server) handleCounters(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Counters == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "counters not available")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Counters.Snapshot(), s.logger)
}
