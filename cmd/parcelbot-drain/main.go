// Command parcelbot-drain runs drain passes without the HTTP listener, for
// cron jobs and for catching up after downtime.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/parcelbot/internal/app"
	"github.com/agentworkforce/parcelbot/internal/config"
	"github.com/agentworkforce/parcelbot/internal/logging"
)

func main() {
	envFile := flag.String("env-file", envOrDefault("PARCELBOT_ENV_FILE", ".env"), "optional .env file")
	interval := flag.Duration("interval", durationEnv("PARCELBOT_DRAIN_INTERVAL", 10*time.Second), "check interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("PARCELBOT_DRAIN_INTERVAL_JITTER", 0.2), "check interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("PARCELBOT_DRAIN_TIMEOUT", 5*time.Minute), "per-pass timeout")
	force := flag.Bool("force", false, "drain without waiting for the idle threshold")
	once := flag.Bool("once", false, "run one check and exit")
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

	if *interval <= 0 {
		*interval = 10 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 5 * time.Minute
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	a, err := app.New(cfg, logger, app.Options{})
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize parcelbot")
	}
	defer a.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if *force {
			pass, err := a.Scheduler.RunNow(ctx)
			if err != nil {
				logger.WithError(err).Error("drain pass failed")
				return
			}
			logger.WithFields(logrus.Fields{"pass_id": pass.ID, "events": pass.Events}).Info("drain pass completed")
			return
		}
		ran, err := a.Scheduler.Tick(ctx)
		if err != nil {
			logger.WithError(err).Error("drain check failed")
			return
		}
		logger.WithField("ran", ran).Info("drain check completed")
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.WithError(rootCtx.Err()).Info("drain loop stopping")
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
