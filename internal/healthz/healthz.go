// Package healthz serves the process-supervision HTTP endpoint: GET / and
// GET /health both return a liveness JSON payload; every other path 404s
// (spec §1's "process supervision / health HTTP endpoint", carried as
// ambient infrastructure the Non-goal excludes only the dashboard UI
// around).
//
// Grounded on health_server.py's HealthHandler (serves / and /health
// identically, checks the database with a bare SELECT 1, reports process
// uptime) and the teacher's internal/api.Server (http.Server wrapped in a
// Start/Stop pair using http.Server.Shutdown).
package healthz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"mmbot/internal/store"
)

// Response is the liveness payload returned by / and /health.
type Response struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Database  string `json:"database"`
	Uptime    string `json:"uptime"`
}

// Server is the health-check HTTP server.
type Server struct {
	store     *store.Store
	startedAt time.Time
	logger    *slog.Logger
	server    *http.Server
}

// NewServer builds a health server listening on port, backed by st for the
// database-reachability check.
func NewServer(port int, st *store.Store, logger *slog.Logger) *Server {
	s := &Server{
		store:     st,
		startedAt: time.Now(),
		logger:    logger.With("component", "healthz"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/health", s.handle)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	return s
}

// handle serves the liveness payload for / and /health, 404ing anything
// else (the "/" registration routes every unmatched path here through
// http.ServeMux's prefix matching, so the explicit check does the 404).
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/health" {
		http.NotFound(w, r)
		return
	}

	resp := Response{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Database:  s.checkDatabase(r.Context()),
		Uptime:    time.Since(s.startedAt).Round(100 * time.Millisecond).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode health response", "error", err)
	}
}

func (s *Server) checkDatabase(ctx context.Context) string {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return "accessible"
}

// Start begins serving and blocks until Stop calls Shutdown. Run it in its
// own goroutine.
func (s *Server) Start() error {
	s.logger.Info("health server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
