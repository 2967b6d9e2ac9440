// Package app wires every component into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"pigeon/internal/api"
	"pigeon/internal/chat"
	"pigeon/internal/config"
	"pigeon/internal/database"
	"pigeon/internal/hub"
	"pigeon/internal/location"
	"pigeon/internal/mail"
	"pigeon/internal/router"
	"pigeon/internal/service"
	"pigeon/internal/session"
	"pigeon/internal/txn"
	"pigeon/internal/websocket"
	dbconfig "pigeon/pkg/database"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	log        *slog.Logger
	db         *database.Manager
	hub        *hub.Hub
	sessions   *session.Manager
	service    *service.Service
	limiter    *router.RateLimiter
	httpServer *http.Server

	listener net.Listener
	stopOnce sync.Once
	done     chan struct{}
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Migrations → Hub → Orchestrator → Registries → Service → Router → WebSocket → HTTP
func NewApplication(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Initialize database manager (foundation layer)
	dbConfig := cfg.DatabaseConfig()
	db, err := database.NewManager(dbConfig, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	// STEP 1.5: Apply database migrations to ensure schema is up to date
	migrations := dbconfig.NewMigrationManager(db.GetDB(), dbConfig.Driver)
	applied, err := migrations.ApplyMigrations(ctx)
	if err == nil {
		err = migrations.ValidateSchema(ctx)
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	log.Info("Database migrations applied", "applied", applied)

	// STEP 2: Worker pool and transaction orchestrator
	workers := hub.NewHub(hub.Config{Workers: cfg.Hub.Workers, QueueSize: cfg.Hub.QueueSize}, log)
	orch := txn.New(db, log, txn.WithPolicy(txn.Policy{
		MaxAttempts: cfg.Transaction.MaxAttempts,
		BaseDelay:   cfg.Transaction.BaseDelay,
		MaxDelay:    cfg.Transaction.MaxDelay,
	}))

	// STEP 3: In-memory registries
	rooms := chat.NewRegistry(log)
	sessions := session.NewManager(log)
	locations := location.NewRegistry(workers, cfg.Service.LocationInterval, log)

	// STEP 4: Workflows
	svcConfig := service.Config{
		TokenTTL:        cfg.Service.TokenTTL,
		MaxReadMessages: cfg.Service.MaxReadMessages,
		BcryptCost:      cfg.Service.BcryptCost,
		TaskTimeout:     cfg.Service.TaskTimeout,

		LocationInterval: cfg.Service.LocationInterval,
	}
	svc := service.New(orch, rooms, sessions, workers, mail.NewLogMailer(log), log,
		service.WithConfig(svcConfig), service.WithLocations(locations))

	// STEP 5: Request router with per-session rate limiting
	limiter := router.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	messageRouter := router.NewRouter(svc.Handlers(), service.NeedsLogin, workers, limiter,
		router.Config{RequestTimeout: cfg.Service.RequestTimeout}, log)

	// STEP 6: WebSocket handler
	wsHandler := websocket.NewHandler(sessions, messageRouter, svc, workers.Schedule, websocket.Config{
		ReadLimit:    cfg.WebSocket.ReadLimit,
		PongWait:     cfg.WebSocket.ReadTimeout,
		PingInterval: cfg.WebSocket.PingInterval,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		SendBuffer:   cfg.WebSocket.BufferSize,
	}, log)

	// STEP 7: Operational API
	apiServer := api.NewServer(db, map[string]api.StatsSource{
		"hub":       workers,
		"rooms":     rooms,
		"locations": locations,
		"sessions":  sessions,
	}, log)

	// STEP 8: Setup HTTP server with both API and WebSocket endpoints
	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)
	mux.Handle("/", apiServer.NotFound())

	// TECHNICAL DISCOVERY: hijacked sockets keep these deadlines until the
	// websocket layer moves them on every read and write
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		log:        log,
		db:         db,
		hub:        workers,
		sessions:   sessions,
		service:    svc,
		limiter:    limiter,
		httpServer: httpServer,
		done:       make(chan struct{}),
	}, nil
}

// Start begins application execution
// Startup coordination ensures all components ready before serving:
// hub first, then pending event starts, then the listener
func (app *Application) Start(ctx context.Context) error {
	// STEP 1: Start worker pool (background request processing)
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	// STEP 2: Re-arm event starts lost with the previous process
	restored, err := app.service.RestoreSchedules(ctx)
	if err != nil {
		_ = app.hub.Stop()
		return fmt.Errorf("failed to restore event schedules: %w", err)
	}

	// STEP 3: Bind before returning so the address is known and errors surface
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.service.StopSchedules()
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.log.Error("HTTP server error", "error", err)
		}
	}()
	go app.cleanupLoop()

	app.log.Info("Pigeon started", "addr", listener.Addr().String(), "restored_events", restored)
	return nil
}

// cleanupLoop drops rate limiter state of idle sessions
func (app *Application) cleanupLoop() {
	window := app.config.RateLimit.Window
	if window <= 0 {
		return
	}
	ticker := time.NewTicker(5 * window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := app.limiter.Cleanup(); n > 0 {
				app.log.Debug("Rate limiter cleaned", "removed", n)
			}
		case <-app.done:
			return
		}
	}
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Schedules → Hub → Database
func (app *Application) Stop(ctx context.Context) error {
	var errs []error
	app.stopOnce.Do(func() {
		app.log.Info("Shutting down Pigeon")
		close(app.done)

		// STEP 1: Stop accepting new connections
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		// FUNCTIONAL DISCOVERY: Shutdown leaves hijacked sockets open
		for _, sess := range app.sessions.Connected() {
			_ = sess.Conn().Close()
		}

		// STEP 2: Pending event starts are restored by the next process
		app.service.StopSchedules()

		// STEP 3: Stop request processing
		if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
		}

		// STEP 4: Close database connections
		if err := app.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database shutdown: %w", err))
		}
		app.log.Info("Pigeon shutdown complete")
	})
	return errors.Join(errs...)
}

// GetAddr returns the server address for external connections; the bound
// address once started
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}
