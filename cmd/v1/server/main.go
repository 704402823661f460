package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meetwire/meetwire/internal/v1/config"
	"github.com/meetwire/meetwire/internal/v1/health"
	"github.com/meetwire/meetwire/internal/v1/logging"
	"github.com/meetwire/meetwire/internal/v1/meeting"
	"github.com/meetwire/meetwire/internal/v1/ratelimit"
	"github.com/meetwire/meetwire/internal/v1/relay"
	"github.com/meetwire/meetwire/internal/v1/transfer"
	"github.com/meetwire/meetwire/internal/v1/transport"
)

// Exit codes: 0 clean shutdown, 1 configuration or bind failure, 2
// unrecoverable internal error.
const (
	exitOK       = 0
	exitBind     = 1
	exitInternal = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		return exitBind
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Logger initialization failed", "error", err)
		return exitInternal
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	limits, err := ratelimit.New(cfg.RateLimitConnIP, cfg.RateLimitJoin)
	if err != nil {
		slog.Error("Rate limit configuration invalid", "error", err)
		return exitBind
	}

	// --- Registries and coordinator ---
	registry := meeting.NewRegistry(cfg.MaxMeetings)
	addrs := relay.NewAddressRegistry()

	coordinator := transfer.NewCoordinator(registry, transfer.Options{
		InitialSsthresh:   cfg.InitialSsthresh,
		BaseChunkBytes:    cfg.BaseChunkBytes,
		AckTimeout:        cfg.AckTimeout,
		MaxRetries:        cfg.MaxRetries,
		SessionQueueBytes: int64(cfg.SessionQueueBytes),
	})
	coordinator.Start()
	defer coordinator.Stop()

	// --- Media relay (UDP) ---
	udpConn, err := net.ListenPacket("udp", cfg.UDPAddr())
	if err != nil {
		slog.Error("Failed to bind media relay port", "addr", cfg.UDPAddr(), "error", err)
		return exitBind
	}
	mediaRelay := relay.NewRelay(udpConn, registry, addrs)

	// --- Control server (TCP) ---
	dispatcher := transport.NewDispatcher(registry, coordinator, mediaRelay, limits)
	srv := transport.NewServer(cfg, registry, dispatcher, limits)
	if err := srv.Listen(); err != nil {
		slog.Error("Failed to bind control port", "addr", cfg.TCPAddr(), "error", err)
		return exitBind
	}

	fatal := make(chan error, 2)
	go func() {
		if err := mediaRelay.Run(context.Background()); err != nil {
			fatal <- err
		}
	}()
	go func() {
		if err := srv.Serve(context.Background()); err != nil {
			fatal <- err
		}
	}()

	// --- Ops listener (metrics, health, stats) ---
	var opsServer *http.Server
	if addr := cfg.OpsAddr(); addr != "" {
		if !cfg.DevelopmentMode {
			gin.SetMode(gin.ReleaseMode)
		}
		router := gin.Default()
		router.Use(cors.Default())
		router.Use(gin.Recovery())

		router.GET("/metrics", gin.WrapH(promhttp.Handler()))

		healthHandler := health.NewHandler(registry, coordinator)
		router.GET("/health/live", healthHandler.Liveness)
		router.GET("/health/ready", healthHandler.Readiness)
		router.GET("/stats", healthHandler.Stats)

		opsServer = &http.Server{Addr: addr, Handler: router}
		go func() {
			slog.Info("Ops server starting", "addr", addr)
			if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fatal <- err
			}
		}()
	}

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Shutting down server...", "signal", sig.String())
	case err := <-fatal:
		slog.Error("Unrecoverable server error", "error", err)
		return exitInternal
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if opsServer != nil {
		if err := opsServer.Shutdown(ctx); err != nil {
			slog.Error("Ops server forced to shutdown", "error", err)
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Control server forced to shutdown", "error", err)
	}
	if err := mediaRelay.Close(); err != nil {
		slog.Error("Media relay close failed", "error", err)
	}

	slog.Info("Server exiting")
	return exitOK
}
