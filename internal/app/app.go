// Package app wires the parcelbot components from a Config. Both binaries
// build the same graph; only what they run differs.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/parcelbot/internal/config"
	"github.com/agentworkforce/parcelbot/internal/crm"
	"github.com/agentworkforce/parcelbot/internal/dispatch"
	"github.com/agentworkforce/parcelbot/internal/httpapi"
	"github.com/agentworkforce/parcelbot/internal/inbox"
	"github.com/agentworkforce/parcelbot/internal/notify"
	"github.com/agentworkforce/parcelbot/internal/pipeline"
	"github.com/agentworkforce/parcelbot/internal/reconcile"
	"github.com/agentworkforce/parcelbot/internal/store"
	"github.com/agentworkforce/parcelbot/internal/tenant"
)

const userAgent = "parcelbot/1"

// Options replace parts of the graph; zero values build the real ones.
type Options struct {
	Store    store.Store
	Notifier notify.Notifier
	Clock    inbox.Clock
}

type App struct {
	Config    *config.Config
	Log       logrus.FieldLogger
	Store     store.Store
	Inbox     *inbox.Inbox
	Scheduler *inbox.Scheduler
	Hub       *httpapi.Hub
	// Watcher is nil when the built-in tenant schema is used.
	Watcher *tenant.Watcher
}

type staticSchema struct{ schema *tenant.Schema }

func (s staticSchema) Current() *tenant.Schema { return s.schema }

func New(cfg *config.Config, log logrus.FieldLogger, opts Options) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &App{Config: cfg, Log: log}

	var source tenant.Source = staticSchema{schema: tenant.Default()}
	if cfg.TenantFile != "" {
		w, err := tenant.NewWatcher(cfg.TenantFile, log.WithField("component", "tenant"))
		if err != nil {
			return nil, errors.Wrap(err, "load tenant schema")
		}
		a.Watcher = w
		source = w
	}

	st := opts.Store
	if st == nil {
		opened, err := store.Open(cfg.StoreDSN)
		if err != nil {
			return nil, errors.Wrap(err, "open store")
		}
		st = opened
	}
	a.Store = st

	client, err := crm.NewClient(crm.ClientOptions{
		WebhookURL: cfg.BitrixWebhookURL,
		Timeout:    cfg.BitrixTimeout,
		UserAgent:  userAgent,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier, err = buildNotifier(cfg, log)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	dispatcher := dispatch.New(client, dispatch.Options{
		ChunkSize:   cfg.BatchSize,
		MaxAttempts: cfg.BatchMaxAttempts,
		RetryDelay:  retryDelay(cfg),
		Logger:      log,
	})
	engine := reconcile.New(source, st, client, reconcile.Options{Clock: opts.Clock, Logger: log})

	a.Hub = httpapi.NewHub(log)
	runner := pipeline.NewRunner(engine, dispatcher, st, notifier, pipeline.Options{
		Logger:   log,
		Observer: func(r pipeline.PassReport) { a.Hub.Publish(r) },
		Reader:   client,
	})

	a.Inbox = inbox.New(st, opts.Clock)
	idle := cfg.DrainIdle
	if idle == 0 {
		idle = -1
	}
	a.Scheduler = inbox.NewScheduler(a.Inbox, runner, inbox.SchedulerOptions{
		Interval:    cfg.DrainInterval,
		Idle:        idle,
		PassTimeout: cfg.PassTimeout,
		Clock:       opts.Clock,
		Logger:      log,
	})
	return a, nil
}

func buildNotifier(cfg *config.Config, log logrus.FieldLogger) (notify.Notifier, error) {
	if cfg.TelegramBotToken == "" {
		log.Warn("TELEGRAM_BOT_TOKEN not set, customer notifications are only logged")
		return notify.LogNotifier{Log: log}, nil
	}
	return notify.NewTelegramNotifier(notify.TelegramOptions{
		Token:  cfg.TelegramBotToken,
		APIURL: cfg.TelegramAPIURL,
	})
}

// retryDelay keeps an explicit zero meaning "no wait" for the dispatcher,
// where zero selects the default.
func retryDelay(cfg *config.Config) time.Duration {
	if cfg.BatchRetryDelay == 0 {
		return -1
	}
	return cfg.BatchRetryDelay
}

func (a *App) Handler() http.Handler {
	return httpapi.NewServerWithConfig(a.Inbox, a.Scheduler, a.Hub, httpapi.ServerConfig{
		AppToken:        a.Config.BitrixAppToken,
		JWTSecret:       a.Config.AdminJWTSecret,
		RateLimitMax:    a.Config.RateLimitMax,
		RateLimitWindow: a.Config.RateLimitWindow,
		MaxBodyBytes:    a.Config.MaxBodyBytes,
		Logger:          a.Log,
	})
}

// WatchTenant follows the tenant file until ctx is done. It returns at once
// when the built-in schema is in use.
func (a *App) WatchTenant(ctx context.Context) error {
	if a.Watcher == nil {
		return nil
	}
	return a.Watcher.Run(ctx)
}

func (a *App) Close() error {
	a.Scheduler.Stop()
	return a.Store.Close()
}
