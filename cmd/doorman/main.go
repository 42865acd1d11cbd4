package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pihome/doorman/internal/actuator"
	"github.com/pihome/doorman/internal/authz"
	"github.com/pihome/doorman/internal/config"
	"github.com/pihome/doorman/internal/gateway"
	"github.com/pihome/doorman/internal/portal"
	"github.com/pihome/doorman/internal/ratelimit"
	"github.com/pihome/doorman/internal/server"
	"github.com/pihome/doorman/internal/session"
	"github.com/pihome/doorman/internal/telemetry"
	"github.com/pihome/doorman/internal/twilio"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdown, err := telemetry.InitTracer("doorman", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	allowlist, err := authz.NewAllowlist(cfg.AllowedNumbers())
	if err != nil {
		log.Fatalf("Invalid allowlist: %v", err)
	}

	sessions := session.NewManager(cfg.Session.SnapshotPath, logger)
	sessions.Load()

	driver, err := portal.NewClient(cfg.Portal.URL, cfg.Portal.ControlLabel, logger)
	if err != nil {
		log.Fatalf("Invalid portal config: %v", err)
	}

	door := actuator.New(driver, sessions, cfg.AcquireWait(), cfg.ActuationTimeout(), logger)
	limiter := ratelimit.New(cfg.RateLimit.MaxRequests, cfg.RateLimitWindow())

	gw := gateway.New(
		twilio.NewValidator(cfg.Twilio.AuthToken),
		allowlist,
		limiter,
		sessions,
		door,
		cfg.Server.PublicURL,
		logger,
	)

	srv := server.New(cfg.Server.Port, cfg.RequestTimeout(), logger)
	gw.Routes(srv.Router)

	logger.Info("doorman starting",
		slog.Int("allowed_callers", allowlist.Len()),
		slog.Int("rate_limit", limiter.Max()),
		slog.String("session_state", sessions.State().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-sigCh:
		logger.Info("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("shutdown complete")
	}
}
