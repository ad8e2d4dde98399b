package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/agentworkforce/parcelbot/internal/app"
	"github.com/agentworkforce/parcelbot/internal/config"
	"github.com/agentworkforce/parcelbot/internal/logging"
)

func main() {
	envFile := flag.String("env-file", envOrDefault("PARCELBOT_ENV_FILE", ".env"), "optional .env file")
	shutdownTimeout := flag.Duration("shutdown-timeout", durationEnv("PARCELBOT_SHUTDOWN_TIMEOUT", 10*time.Second), "graceful shutdown timeout")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger, logCloser, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("failed to initialize logging: %v", err)
	}
	defer logCloser.Close()

	a, err := app.New(cfg, logger, app.Options{})
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize parcelbot")
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	a.Scheduler.Start(ctx)
	go func() {
		if err := a.WatchTenant(ctx); err != nil {
			logger.WithError(err).Error("tenant schema watcher stopped")
		}
	}()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("http shutdown")
		}
	}()

	logger.WithField("addr", cfg.Addr).Info("parcelbot listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Error("server failed")
		return
	}
	logger.Info("parcelbot stopped")
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
