// Package main is the entry point for the middleman daemon. One binary runs
// the swarm supervisor, the WebSocket gateway, the REST sidecar and the
// channel bridges together on a single local port.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/middlemanhq/middleman/internal/bridge"
	"github.com/middlemanhq/middleman/internal/bridge/slack"
	"github.com/middlemanhq/middleman/internal/bridge/telegram"
	"github.com/middlemanhq/middleman/internal/common/config"
	"github.com/middlemanhq/middleman/internal/common/logger"
	"github.com/middlemanhq/middleman/internal/common/portutil"
	"github.com/middlemanhq/middleman/internal/dirsvc"
	"github.com/middlemanhq/middleman/internal/events"
	gateways "github.com/middlemanhq/middleman/internal/gateway/websocket"
	"github.com/middlemanhq/middleman/internal/httpapi"
	"github.com/middlemanhq/middleman/internal/state"
	"github.com/middlemanhq/middleman/internal/swarm"
	"github.com/middlemanhq/middleman/internal/tracing"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting middleman daemon", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory by default, NATS when configured.
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("using in-memory event bus")
	}

	// State store: auth token, agent registry, transcripts, integrations.
	store, err := state.NewStore(cfg.Swarm.DataDir, log)
	if err != nil {
		log.Fatal("failed to open state directory", zap.Error(err))
	}
	authToken, err := store.AuthToken()
	if err != nil {
		log.Fatal("failed to load auth token", zap.Error(err))
	}
	log.Info("state directory ready",
		zap.String("data_dir", store.Root()),
		zap.String("auth_file", store.AuthPath()))

	// Swarm supervisor. Run owns the actor loop and restarts persisted
	// agents on boot.
	swarmMgr := swarm.New(cfg, eventBus, store, log)
	go func() {
		if err := swarmMgr.Run(ctx); err != nil {
			log.Error("swarm manager exited", zap.Error(err))
		}
	}()

	dirs := dirsvc.NewService(cfg.Gateway.PickerCommand, log)

	// WebSocket hub fans bus events out to connected UI clients.
	hub := gateways.NewHub(eventBus, log)
	if err := hub.Start(); err != nil {
		log.Fatal("failed to start websocket hub", zap.Error(err))
	}
	gateway := gateways.NewGateway(cfg, swarmMgr, dirs, hub, authToken, log)

	// Channel bridges. Factories bind the real Slack and Telegram
	// transports; profiles come from the state store.
	bridges := bridge.NewSupervisor(eventBus, store, swarmMgr,
		func(managerID string, profile bridge.SlackProfile, deps bridge.Deps) bridge.Transport {
			return slack.New(managerID, profile, deps)
		},
		func(managerID string, profile bridge.TelegramProfile, deps bridge.Deps) bridge.Transport {
			return telegram.New(managerID, profile, cfg.Swarm.TelegramPollSeconds, deps)
		},
		log)
	if err := bridges.Start(); err != nil {
		log.Fatal("failed to start channel bridges", zap.Error(err))
	}

	api := httpapi.NewServer(cfg, store, bridges, version, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	gateway.SetupRoutes(router)
	api.RegisterRoutes(router)

	// Bind the listener up front so a taken port walks the fallback range
	// and a fully occupied range exits with a distinct code.
	host := cfg.Server.Host
	port := cfg.Server.Port
	if !portutil.IsAvailable(host, port) {
		if cfg.Server.PortFallbackTries <= 0 {
			log.Error("configured port is taken and fallback is disabled", zap.Int("port", port))
			_ = log.Sync()
			os.Exit(2)
		}
		log.Warn("configured port is taken, probing fallback range",
			zap.Int("port", port), zap.Int("tries", cfg.Server.PortFallbackTries))
		fallback, err := portutil.FindAvailable(host, port+1, cfg.Server.PortFallbackTries)
		if err != nil {
			log.Error("no available port in fallback range",
				zap.Int("port", port), zap.Int("tries", cfg.Server.PortFallbackTries), zap.Error(err))
			_ = log.Sync()
			os.Exit(2)
		}
		port = fallback
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to bind listener", zap.String("addr", addr), zap.Error(err))
		_ = log.Sync()
		os.Exit(2)
	}

	server := &http.Server{
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("middleman listening",
			zap.String("addr", addr),
			zap.String("websocket", "/ws"),
			zap.String("health", "/api/health"))
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down middleman")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	// Stop inbound channels first, then let the swarm wind down its agent
	// sessions before the hub and store go away.
	bridges.Stop()
	cancel()
	select {
	case <-swarmMgr.Stopped():
	case <-shutdownCtx.Done():
		log.Warn("timed out waiting for agent sessions to stop")
	}
	hub.Stop()

	if err := store.Close(); err != nil {
		log.Error("state store close error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}
	if err := busCleanup(); err != nil {
		log.Error("event bus close error", zap.Error(err))
	}

	log.Info("middleman stopped")
}

// corsMiddleware allows the web UI to call the daemon from another local
// origin, including the headers WebSocket upgrades need.
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
