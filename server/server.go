// Package server implements the fieldops HTTP server, REST API, auth, and
// SSE notifications.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/fieldops/comms"
	"github.com/GoCodeAlone/fieldops/config"
	"github.com/GoCodeAlone/fieldops/idle"
	"github.com/GoCodeAlone/fieldops/server/api"
	"github.com/GoCodeAlone/fieldops/server/ws"
	"github.com/GoCodeAlone/fieldops/task"
)

// Server is the fieldops HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	tasks    *task.Machine
	idle     *idle.Tracker
	activity api.ActivityReader
	bus      comms.Bus
	hub      *ws.Hub
	handlers *api.Handlers

	routesOnce sync.Once
	detachHub  func()

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		hub:       ws.NewHub(logger),
		startTime: time.Now(),
		version:   ver,
	}
}

// SetTaskMachine attaches the task state machine.
func (s *Server) SetTaskMachine(m *task.Machine) {
	s.tasks = m
}

// SetIdleTracker attaches the idle-time tracker.
func (s *Server) SetIdleTracker(t *idle.Tracker) {
	s.idle = t
}

// SetActivityReader attaches the activity ledger's read side.
func (s *Server) SetActivityReader(r api.ActivityReader) {
	s.activity = r
}

// SetBus attaches the notification bus. Its messages are streamed to
// /events subscribers.
func (s *Server) SetBus(bus comms.Bus) {
	s.bus = bus
}

// Handler returns the root handler, registering routes on first use.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.registerRoutes)
	return s.mux
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.detachHub != nil {
		s.detachHub()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Tasks:    s.tasks,
		Idle:     s.idle,
		Activity: s.activity,
		Bus:      s.bus,
		Logger:   s.logger,
		Version:  s.version,
	}
	s.handlers = h
	if s.bus != nil {
		s.detachHub = s.hub.Attach(s.bus)
	}

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	// SSE: auth handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Protected API, wrapped in auth middleware
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     s.version,
		"uptime_s":    int64(time.Since(s.startTime).Seconds()),
		"sse_clients": s.hub.Clients(),
	})
}

// handleSSE streams notifications. The token travels as a query parameter
// because EventSource cannot set headers.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	id, err := verifyJWT(s.jwtSecret(), r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.hub.ServeSSE(w, r, ws.Viewer{UserID: id.UserID, Admin: id.Admin})
}
