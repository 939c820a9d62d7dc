package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"relay/internal/api"
	"relay/internal/config"
	"relay/internal/database"
	"relay/internal/gate"
	"relay/internal/metrics"
	"relay/internal/presence"
	"relay/internal/push"
	"relay/internal/rooms"
	"relay/internal/router"
	"relay/internal/websocket"
	"relay/pkg/interfaces"
	pkgdatabase "relay/pkg/database"
)

// Application coordinates all relay components.
type Application struct {
	config     *config.Config
	dbManager  *database.Manager
	redis      *redis.Client
	presence   interfaces.PresenceStore
	metrics    *metrics.Metrics
	registry   *websocket.Registry
	dispatcher *push.Dispatcher
	gate       *gate.Gate
	rooms      *rooms.Manager
	router     *router.Router
	apiServer  *api.Server
	httpServer *http.Server
	listener   net.Listener
}

// NewApplication builds every component in dependency order:
// database → presence → registry → push → gate → rooms → router →
// websocket → API → HTTP.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{
		config:  cfg,
		metrics: metrics.New(),
	}

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.WriteTimeout = cfg.Database.Timeout

	dbManager, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	app.dbManager = dbManager

	if err := pkgdatabase.NewMigrationManager(dbManager.GetDB()).ApplyMigrations(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := pkgdatabase.NewSchemaValidator(dbManager.GetDB()).Validate(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("database schema is invalid: %w", err)
	}
	zap.S().Info("database migrations applied")

	pingers := map[string]api.Pinger{}
	switch cfg.Presence.Driver {
	case config.PresenceDriverRedis:
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store := presence.NewRedisStore(app.redis, cfg.Redis.Prefix)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := store.Ping(ctx)
		cancel()
		if err != nil {
			_ = app.redis.Close()
			_ = dbManager.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		app.presence = store
		pingers["redis"] = store
	default:
		app.presence = presence.NewMemoryStore()
	}

	app.registry = websocket.NewRegistry()

	routerOpts := router.Options{Metrics: app.metrics}

	if cfg.Push.Enabled {
		client := push.NewClient(cfg.Push.Endpoint, cfg.Push.ServerKey, cfg.Push.Timeout)
		app.dispatcher = push.NewDispatcher(client, dbManager, cfg.Push.Workers, cfg.Push.QueueSize, cfg.Push.Timeout, app.metrics)
		routerOpts.Push = app.dispatcher
	}

	if cfg.Message.RateLimit > 0 {
		routerOpts.Limiter = gate.NewRateLimiter(cfg.Message.RateWindow, cfg.Message.RateLimit)
	}

	verifier := gate.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience, dbManager)
	if !verifier.Ready() {
		zap.S().Warn("auth.jwt_secret is not set, every connection will be refused with server_not_ready")
	}
	app.gate = gate.New(verifier, gate.NewRateLimiter(cfg.RateLimit.Window, cfg.RateLimit.MaxAttempts), gate.Options{
		MinTokenLength: cfg.Auth.MinTokenLength,
		CheckRevoked:   cfg.Auth.CheckRevoked,
		StaleAfter:     cfg.Auth.StaleAfter,
	})

	app.rooms = rooms.NewManager(dbManager, app.registry, app.presence, app.metrics)
	app.router = router.New(dbManager, app.registry, app.presence, routerOpts)

	wsHandler := websocket.NewHandler(app.registry, app.gate, app.rooms, app.router, app.metrics, websocket.Options{
		PingInterval:     cfg.WebSocket.PingInterval,
		ReadTimeout:      cfg.WebSocket.ReadTimeout,
		WriteTimeout:     cfg.WebSocket.WriteTimeout,
		BufferSize:       cfg.WebSocket.BufferSize,
		MaxMessageSize:   cfg.WebSocket.MaxMessageSize,
		MaxContentLength: cfg.Message.MaxContentLength,
		AllowedOrigins:   cfg.WebSocket.AllowedOrigins,
	})

	app.apiServer = api.NewServer(dbManager, app.presence, api.Options{
		WebSocket: http.HandlerFunc(wsHandler.HandleWebSocket),
		Metrics:   app.metrics.Handler(),
		Pingers:   pingers,
	})

	app.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return app, nil
}

// Start launches the push workers and begins serving HTTP. It returns once
// the listener is bound.
func (app *Application) Start(ctx context.Context) error {
	if app.dispatcher != nil {
		if err := app.dispatcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start push dispatcher: %w", err)
		}
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		if app.dispatcher != nil {
			_ = app.dispatcher.Stop(ctx)
		}
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.S().Errorw("http server stopped",
				"error", err,
			)
		}
	}()

	zap.S().Infow("relay started",
		"addr", listener.Addr().String(),
		"presence", app.config.Presence.Driver,
		"push", app.dispatcher != nil,
	)

	return nil
}

// Stop shuts down in reverse dependency order: HTTP → open sockets →
// push → database → redis. Every step runs; their errors are combined.
func (app *Application) Stop(ctx context.Context) error {
	zap.S().Info("shutting down relay")

	var err error

	if shutdownErr := app.httpServer.Shutdown(ctx); shutdownErr != nil {
		err = multierr.Append(err, fmt.Errorf("http shutdown: %w", shutdownErr))
	}

	app.registry.CloseAll()
	app.waitForConnections(ctx)

	if app.dispatcher != nil {
		if stopErr := app.dispatcher.Stop(ctx); stopErr != nil && !errors.Is(stopErr, push.ErrDispatcherNotRunning) {
			err = multierr.Append(err, fmt.Errorf("push dispatcher: %w", stopErr))
		}
	}

	if closeErr := app.dbManager.Close(); closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("database close: %w", closeErr))
	}

	if app.redis != nil {
		if closeErr := app.redis.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("redis close: %w", closeErr))
		}
	}

	zap.S().Info("relay shutdown complete")
	return err
}

// waitForConnections gives closed sockets a moment to run their disconnect
// handling before the stores they use go away.
func (app *Application) waitForConnections(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(2 * time.Second)

	for app.registry.GetStats()["total_connections"] > 0 {
		select {
		case <-ticker.C:
		case <-timeout:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Addr returns the bound listen address once started, else the configured one.
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Database exposes the storage manager for provisioning tools and tests.
func (app *Application) Database() *database.Manager {
	return app.dbManager
}
