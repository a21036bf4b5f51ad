package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"parley/internal/api"
	"parley/internal/config"
	"parley/internal/database"
	"parley/internal/directory"
	"parley/internal/hub"
	"parley/internal/protocol"
	"parley/internal/router"
	"parley/internal/session"
	"parley/internal/websocket"
	"parley/pkg/interfaces"
)

// Version is reported by the banner endpoint.
const Version = "0.1.0"

// rateWindow is the span rate_limit_per_minute is counted over. Limiter
// entries idle for longer than this are swept.
const rateWindow = time.Minute

// Application owns every component and their lifecycle.
type Application struct {
	config *config.Config
	logger zerolog.Logger

	activity   *database.Manager
	sessions   *session.Registry
	directory  *directory.Directory
	router     *router.Router
	registry   *websocket.Registry
	hub        *hub.Hub
	events     *protocol.Handler
	apiServer  *api.Server
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

// NewApplication builds the component graph:
// activity log → stores → router → transport → protocol → HTTP.
func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{config: cfg, logger: logger}

	// A nil *Manager must not leak into the interface values below.
	var activity interfaces.ActivityLog
	if cfg.Activity.Enabled {
		manager, err := database.NewManager(cfg.ActivityDatabase(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize activity log: %w", err)
		}
		app.activity = manager
		activity = manager
	}

	app.sessions = session.NewRegistry(logger)
	app.directory = directory.New(logger)
	limiter := router.NewRateLimiter(cfg.Chat.RateLimitPerMinute, rateWindow)
	app.router = router.NewRouter(app.directory, activity, limiter, logger)

	app.registry = websocket.NewRegistry()
	app.hub = hub.NewHub(app.registry, cfg.WebSocket.HubQueueSize, logger)
	app.hub.OnSweep(cfg.Chat.SweepInterval, func() {
		if n := app.router.Sweep(rateWindow); n > 0 {
			logger.Debug().Int("entries", n).Msg("swept rate limiter")
		}
	})

	app.events = protocol.NewHandler(app.sessions, app.directory, app.router, app.hub, activity, logger)
	wsHandler := websocket.NewHandler(app.registry, app.events, cfg.WebSocketOptions(), logger)

	app.apiServer = api.NewServer(app.sessions, app.directory, app.router, activity, app.registry, wsHandler, api.Options{
		Version:        Version,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		HistoryLimit:   cfg.Chat.HistoryLimit,
		DefaultHistory: cfg.Chat.DefaultHistory,
	}, logger)

	app.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return app, nil
}

// Start starts the hub and begins serving HTTP. It returns once the
// listener is bound; serve errors arrive on Err.
func (app *Application) Start(ctx context.Context) error {
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	app.mu.Lock()
	app.listener = ln
	app.serveErr = make(chan error, 1)
	serveErr := app.serveErr
	app.mu.Unlock()

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server error: %w", err)
		}
		close(serveErr)
	}()

	app.logger.Info().Str("addr", ln.Addr().String()).Msg("parley started")
	return nil
}

// Err reports a fatal serve error. It is closed after the server stops.
func (app *Application) Err() <-chan error {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.serveErr
}

// Stop shuts down in reverse order: HTTP, open sockets, hub, activity log.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("shutting down parley")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// Hijacked websocket connections are not covered by Shutdown.
	for _, conn := range app.registry.All() {
		_ = conn.Close()
	}

	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}

	if app.activity != nil {
		if err := app.activity.Close(); err != nil {
			errs = append(errs, fmt.Errorf("activity log shutdown: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		app.logger.Error().Err(err).Msg("shutdown finished with errors")
		return err
	}
	app.logger.Info().Msg("parley shutdown complete")
	return nil
}

// Addr returns the bound listen address once started, the configured one
// before that.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

func (app *Application) Handler() http.Handler {
	return app.apiServer
}
