package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/saintparish4/trafficcop/control-plane/accounting"
	"github.com/saintparish4/trafficcop/control-plane/api"
	"github.com/saintparish4/trafficcop/control-plane/config"
	"github.com/saintparish4/trafficcop/control-plane/database"
	"github.com/saintparish4/trafficcop/control-plane/discovery"
	"github.com/saintparish4/trafficcop/control-plane/notify"
	"github.com/saintparish4/trafficcop/control-plane/promsource"
	"github.com/saintparish4/trafficcop/control-plane/pushgw"
	"github.com/saintparish4/trafficcop/control-plane/scheduler"
)

// app holds the wired control plane components
type app struct {
	log   *slog.Logger
	cfg   *config.Config
	clock clockwork.Clock

	db         *database.DatabaseManager
	source     *promsource.Client
	pusher     *pushgw.Client
	notifier   *notify.Multi
	reconciler *discovery.Reconciler
	engine     *accounting.Engine
	scheduler  *scheduler.Scheduler
	api        *api.API
}

func newApp(log *slog.Logger, cfg *config.Config, clock clockwork.Clock) (*app, error) {
	a := &app{log: log, cfg: cfg, clock: clock}

	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := database.NewDatabaseManager(cfg.DBPath, database.Options{Logger: log.With("component", "database"), Clock: clock})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db

	if err := a.wire(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	var err error
	cfg := a.cfg

	a.source, err = promsource.NewClient(a.log.With("component", "promsource"), promsource.Config{
		Address: cfg.PromURL,
		Timeout: cfg.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("counter source: %w", err)
	}

	a.pusher, err = pushgw.NewClient(a.log.With("component", "pushgw"), pushgw.Config{
		URL:     cfg.PushURL,
		Job:     cfg.Job,
		Timeout: cfg.PushTimeout,
	})
	if err != nil {
		return fmt.Errorf("push endpoint: %w", err)
	}

	a.notifier, err = notify.New(a.log.With("component", "notify"), notify.Config{
		TelegramToken:   cfg.TelegramToken,
		TelegramChatID:  cfg.TelegramChatID,
		SlackWebhookURL: cfg.SlackWebhookURL,
	})
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}

	a.reconciler, err = discovery.NewReconciler(a.log.With("component", "discovery"), discovery.Config{
		Source:        a.source,
		Registry:      a.db,
		Job:           cfg.Job,
		Interval:      cfg.SyncInterval,
		Lookback:      cfg.DiscoveryLookback,
		SkipInstances: cfg.SkipInstances(),
		Clock:         a.clock,
	})
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	a.engine, err = accounting.NewEngine(a.log.With("component", "accounting"), accounting.EngineConfig{
		Source:    a.source,
		Baselines: a.db,
		Job:       cfg.Job,
		Clock:     a.clock,
		Location:  cfg.Location,
	})
	if err != nil {
		return fmt.Errorf("accounting: %w", err)
	}

	a.scheduler, err = scheduler.New(a.log.With("component", "scheduler"), scheduler.Config{
		Source:       a.source,
		Store:        a.db,
		Syncer:       a.reconciler,
		Notifier:     a.notifier,
		Job:          cfg.Job,
		Location:     cfg.Location,
		Clock:        a.clock,
		SyncSpec:     cfg.SyncSpec(),
		BaselineSpec: scheduler.DailySpec(cfg.BaselineHour, cfg.BaselineMinute),
		SummarySpec:  scheduler.DailySpec(cfg.SummaryHour, cfg.SummaryMinute),
	})
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	a.api, err = api.New(a.log.With("component", "api"), api.Config{
		Store:     a.db,
		Usage:     a.engine,
		Source:    a.source,
		Pusher:    a.pusher,
		Syncer:    a.reconciler,
		Tasks:     a.scheduler,
		Job:       cfg.Job,
		Location:  cfg.Location,
		Clock:     a.clock,
		JWTSecret: cfg.AdminJWTSecret,
	})
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

func (a *app) Close() error {
	return a.db.Close()
}
