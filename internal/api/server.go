// Package api serves the operational HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"
)

// Database is the part of the database manager the API reads
type Database interface {
	HealthCheck(ctx context.Context) error
	GetStats() map[string]int
}

// StatsSource is any component exposing counters: sessions, rooms, hub
type StatsSource interface {
	GetStats() map[string]int
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	db      Database
	sources map[string]StatsSource
	started time.Time
	log     *slog.Logger
	router  *http.ServeMux
}

// FUNCTIONAL DISCOVERY: Constructor initializes all dependencies and sets up routing
// Dependency injection pattern maintains architectural boundaries
func NewServer(db Database, sources map[string]StatsSource, log *slog.Logger) *Server {
	s := &Server{
		db:      db,
		sources: sources,
		started: time.Now(),
		log:     log,
		router:  http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// ARCHITECTURAL DISCOVERY: CORS and JSON middleware applied to all routes for web client compatibility
func (s *Server) setupRoutes() {
	s.router.Handle("GET /health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("GET /api/stats", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.stats))))
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	Uptime    string    `json:"uptime"`
}

type StatsResponse struct {
	Timestamp  time.Time                 `json:"timestamp"`
	Components map[string]map[string]int `json:"components"`
	System     map[string]any            `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: GET /health - database connectivity decides the status
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Database:  "healthy",
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	code := http.StatusOK
	if err := s.db.HealthCheck(ctx); err != nil {
		s.log.Warn("Health check failed", "error", err)
		response.Status = "unhealthy"
		response.Database = "unavailable"
		// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

// GET /api/stats - counters of every registered component
func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	components := make(map[string]map[string]int, len(s.sources)+1)
	components["database"] = s.db.GetStats()
	for name, source := range s.sources {
		components[name] = source.GetStats()
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.sendJSON(w, http.StatusOK, StatsResponse{
		Timestamp:  time.Now(),
		Components: components,
		System: map[string]any{
			"goroutines":  runtime.NumGoroutine(),
			"heap_bytes":  mem.HeapAlloc,
			"uptime_secs": int64(time.Since(s.started).Seconds()),
		},
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("Failed to write response", "error", err)
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web dashboards to poll the endpoints
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")
		next.ServeHTTP(w, r)
	})
}

// FUNCTIONAL DISCOVERY: JSON middleware ensures proper content-type headers
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// NotFound answers unknown paths in the API's error format
func (s *Server) NotFound() http.Handler {
	return s.jsonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, "no route for "+r.URL.Path, http.StatusNotFound)
	}))
}
