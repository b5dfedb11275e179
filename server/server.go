// Package server implements the taskmarket HTTP server: REST API, JWT auth,
// Prometheus metrics, and the SSE stream of domain events.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/taskmarket/config"
	"github.com/GoCodeAlone/taskmarket/engine"
	"github.com/GoCodeAlone/taskmarket/ledger"
	"github.com/GoCodeAlone/taskmarket/market"
	"github.com/GoCodeAlone/taskmarket/server/api"
	"github.com/GoCodeAlone/taskmarket/server/ws"
)

// Server is the taskmarket HTTP server.
type Server struct {
	cfg    config.Config
	mux    *http.ServeMux
	logger *slog.Logger

	// srvMu guards httpSrv, which Start publishes and Stop consumes from
	// different goroutines.
	srvMu   sync.Mutex
	httpSrv *http.Server

	eng   *engine.Engine
	store *ledger.Store
	hub   *ws.Hub

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
	unsub     func()
}

// New creates a Server wired to the engine and ledger store.
func New(cfg config.Config, eng *engine.Engine, store *ledger.Store, ver string, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		eng:       eng,
		store:     store,
		hub:       ws.NewHub(logger),
		startTime: time.Now(),
		version:   ver,
	}
}

// Start registers routes, bridges domain events to SSE, and begins
// listening.
func (s *Server) Start() error {
	s.registerRoutes()
	s.unsub = s.eng.Bus().Subscribe(func(_ context.Context, ev *market.Event) error {
		s.hub.Broadcast(ev)
		return nil
	})

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.srvMu.Lock()
	s.httpSrv = srv
	s.srvMu.Unlock()
	s.logger.Info("server listening", slog.String("addr", addr))
	return srv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server. Start then returns
// http.ErrServerClosed, which callers must treat as a clean exit.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsub != nil {
		s.unsub()
	}
	s.srvMu.Lock()
	srv := s.httpSrv
	s.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Engine:  s.eng,
		Store:   s.store,
		Logger:  s.logger,
		Version: s.version,
		StartAt: s.startTime,
	}

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.Status)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// SSE — auth handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Protected API — wrapped in auth middleware
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// handleSSE verifies the query-param token and hands the connection to the
// hub with a short replay of recent events. The token rides the query string
// because EventSource cannot set headers.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := s.verifyToken(token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.hub.ServeSSE(w, r, s.eng.Bus().History(50))
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
