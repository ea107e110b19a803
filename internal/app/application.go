package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"kioskqueue/internal/api"
	"kioskqueue/internal/clock"
	"kioskqueue/internal/config"
	"kioskqueue/internal/database"
	"kioskqueue/internal/devicesession"
	"kioskqueue/internal/hub"
	"kioskqueue/internal/kiosk"
	"kioskqueue/internal/queue"
	"kioskqueue/internal/realtime"
	"kioskqueue/internal/websocket"
	pkgdatabase "kioskqueue/pkg/database"
	"kioskqueue/pkg/interfaces"
)

// limiterCleanupInterval is how often idle kiosk rate-limit entries are dropped
const limiterCleanupInterval = 5 * time.Minute

// Application owns every server component
type Application struct {
	config      *config.Config
	clock       clock.Clock
	dbManager   *database.Manager
	messageHub  *hub.Hub
	redisClient *redis.Client
	bridge      *realtime.Bridge
	bus         interfaces.EventBus
	queue       *queue.Service
	kiosks      *kiosk.Registry
	sessions    *devicesession.Manager
	registry    *websocket.Registry
	apiServer   *api.Server
	httpServer  *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApplication builds the components in dependency order:
// Database → Hub (+ Redis bridge) → Services → WebSocket → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	dbConfig.WriteTimeout = cfg.Database.Timeout

	dbManager, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	app := &Application{
		config:     cfg,
		clock:      clock.Real(),
		dbManager:  dbManager,
		messageHub: hub.NewHub(),
		registry:   websocket.NewRegistry(),
	}
	app.bus = app.messageHub

	if cfg.Redis.Enabled() {
		app.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := app.redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = app.redisClient.Close()
			_ = dbManager.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		app.bridge = realtime.NewBridge(app.redisClient, app.messageHub, cfg.Redis.Prefix)
		app.bus = app.bridge
	}

	app.queue = queue.NewService(dbManager, app.bus, app.clock)
	app.kiosks = kiosk.NewRegistry(dbManager, app.queue, app.bus, app.clock)
	app.sessions = devicesession.NewManager(dbManager, app.bus, app.clock, cfg.Kiosk.BaseURL)

	wsHandler := websocket.NewHandler(app.registry, app.bus)
	wsHandler.SetKeepalive(cfg.WebSocket.PingInterval, cfg.WebSocket.PongWait)

	app.apiServer = api.NewServer(app.queue, app.kiosks, app.sessions, dbManager, app.registry, wsHandler, app.clock, api.Config{
		JWTSecret:           cfg.Auth.JWTSecret,
		DefaultSessionTTL:   cfg.Kiosk.SessionTTLHours,
		KioskRequestsPerMin: cfg.HTTP.KioskRequestsPerMin,
		AllowedOrigin:       cfg.HTTP.AllowedOrigin,
	})

	app.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return app, nil
}

// Start provisions kiosks, starts the hub and background loops, then serves HTTP
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting kioskqueue on %s", app.httpServer.Addr)

	if err := app.kiosks.Provision(ctx, app.config.Kiosk.Count); err != nil {
		return fmt.Errorf("failed to provision kiosks: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	if err := app.messageHub.Start(bgCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	if _, err := app.queue.Rebalance(ctx); err != nil {
		log.Printf("Warning: startup rebalance failed: %v", err)
	}

	if app.bridge != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			if err := app.bridge.Run(bgCtx); err != nil {
				log.Printf("Realtime bridge stopped: %v", err)
			}
		}()
	}

	app.wg.Add(1)
	go app.cleanupLimiter(bgCtx)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		_ = app.stopBackground()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("kioskqueue started successfully")
		return nil
	case <-ctx.Done():
		_ = app.stopBackground()
		return ctx.Err()
	}
}

func (app *Application) cleanupLimiter(ctx context.Context) {
	defer app.wg.Done()

	ticker := app.clock.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			app.apiServer.Limiter().Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// stopBackground stops the hub before cancelling its context so the hub is shut
// down by Stop rather than by cancellation
func (app *Application) stopBackground() error {
	err := app.messageHub.Stop()
	if app.cancel != nil {
		app.cancel()
	}
	app.wg.Wait()
	return err
}

// Stop shuts down in reverse dependency order: HTTP → sockets → background → Redis → Database
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down kioskqueue")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	app.registry.CloseAll()
	if err := app.stopBackground(); err != nil {
		log.Printf("Message hub shutdown error: %v", err)
	}

	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			log.Printf("Redis close error: %v", err)
		}
	}
	if err := app.dbManager.Close(); err != nil {
		log.Printf("Database shutdown error: %v", err)
	}

	log.Printf("kioskqueue shutdown complete")
	return nil
}

// GetAddr returns the listen address
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}

// Handler returns the HTTP handler, for tests that drive it without a listener
func (app *Application) Handler() http.Handler {
	return app.apiServer
}
