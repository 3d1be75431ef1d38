// Package main is the entry point for the Agentdeck session host.
// The single binary serves the REST API and the WebSocket gateway and owns
// every loaded agent session.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdeck/agentdeck/internal/agentprofile"
	"github.com/agentdeck/agentdeck/internal/api"
	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/httpmw"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/events"
	gateways "github.com/agentdeck/agentdeck/internal/gateway/websocket"
	"github.com/agentdeck/agentdeck/internal/sessionhost"
	"github.com/agentdeck/agentdeck/internal/storage/sqlite"
	"github.com/agentdeck/agentdeck/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Fatal("agentdeck exited with error", zap.Error(err))
	}
	log.Info("agentdeck stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting agentdeck",
		zap.String("driver", cfg.Database.Driver),
		zap.Bool("docker", cfg.Docker.Enabled))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Storage.
	pool, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	store, err := sqlite.New(pool)
	if err != nil {
		_ = pool.Close()
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer store.Close()

	// Agent profiles are seeded from disk so a fresh install has something
	// to create sessions with.
	if err := agentprofile.Seed(ctx, store, cfg.Profiles.Dir, log); err != nil {
		return fmt.Errorf("failed to seed agent profiles: %w", err)
	}

	// Host-level event bus: NATS if configured, in-memory otherwise.
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer busCleanup()

	// WebSocket gateway.
	gateway := gateways.NewGateway(log)
	notifications := gateways.RegisterSessionNotifications(ctx, provided.Bus, gateway.Hub, log)
	defer notifications.Close()

	// Session host.
	host := sessionhost.New(cfg, store, gateway.Hub, provided.Bus, log)

	// HTTP router: REST API, WebSocket upgrade, health.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "agentdeck"))
	router.Use(httpmw.OtelTracing("agentdeck"))

	gateway.SetupRoutes(router)
	api.RegisterSessionRoutes(router, gateway.Dispatcher, host, store, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "agentdeck",
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		gateway.Hub.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down agentdeck")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown error", zap.Error(err))
		}
		if err := host.Close(shutdownCtx); err != nil {
			log.Error("session host shutdown error", zap.Error(err))
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	return group.Wait()
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
