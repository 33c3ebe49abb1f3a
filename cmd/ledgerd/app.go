package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerd/ledgerd/internal/config"
	"github.com/ledgerd/ledgerd/internal/engine"
	"github.com/ledgerd/ledgerd/internal/ledger"
	"github.com/ledgerd/ledgerd/internal/logging"
	"github.com/ledgerd/ledgerd/internal/metrics"
	"github.com/ledgerd/ledgerd/internal/notifications"
	"github.com/ledgerd/ledgerd/internal/router"
	"github.com/ledgerd/ledgerd/internal/routes"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// app is the wired object graph shared by the subcommands.
type app struct {
	config     *config.Config
	logger     *logrus.Logger
	engine     engine.Engine
	table      *ledger.Table
	registry   *router.Registry
	metrics    metrics.Manager
	dispatcher *router.Dispatcher

	closers []func() error
}

// loadConfig reads configuration for cmd and applies the logging settings.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func buildRegistry() (*router.Registry, error) {
	b := router.NewBuilder()
	if err := routes.Register(b); err != nil {
		return nil, fmt.Errorf("failed to register routes: %w", err)
	}
	return b.Build(), nil
}

// openApp opens storage and wires the dispatcher. extra notifiers are
// appended to the configured ones.
func openApp(cfg *config.Config, extra ...router.Notifier) (_ *app, err error) {
	a := &app{config: cfg, logger: logrus.StandardLogger()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.Syslog.Address != "" {
		out, err := logging.DialSyslog(cfg.Syslog.Network, cfg.Syslog.Address, cfg.Syslog.Tag)
		if err != nil {
			return nil, err
		}
		hook := logging.NewHook(out, a.logger.GetLevel())
		a.logger.AddHook(hook)
		a.closers = append(a.closers, hook.Close)
	}

	if cfg.Storage.Backend == engine.BackendPebble && cfg.Storage.MigrateFromBadger {
		if _, err := engine.MigrateFromBadgerIfNeeded(cfg.DataDir, a.logger); err != nil {
			return nil, fmt.Errorf("failed to migrate badger data: %w", err)
		}
	}

	a.engine, err = engine.Open(cfg.Storage.Backend, engine.Options{
		DataDir:     cfg.DataDir,
		SyncWrites:  cfg.Storage.SyncWrites,
		CacheSizeMB: cfg.Storage.CacheSizeMB,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	a.closers = append(a.closers, a.engine.Close)

	a.table, err = ledger.Open(a.engine, cfg.Table, a.logger)
	if err != nil {
		return nil, err
	}

	a.registry, err = buildRegistry()
	if err != nil {
		return nil, err
	}

	notifier, err := a.buildNotifier(extra)
	if err != nil {
		return nil, err
	}

	a.metrics = metrics.NewManager(cfg.Metrics, cfg.DataDir, a.logger)
	a.dispatcher = router.NewDispatcher(a.registry, a.table, notifier,
		router.WithObserver(a.metrics),
		router.WithLogger(a.logger),
	)

	a.logger.WithFields(logrus.Fields{
		"backend":  a.engine.Name(),
		"table":    a.table.Name(),
		"data_dir": cfg.DataDir,
	}).Debug("Ledger opened")
	return a, nil
}

func (a *app) buildNotifier(extra []router.Notifier) (router.Notifier, error) {
	cfg := a.config.Notifications
	var fanout notifications.Fanout

	if cfg.Log {
		fanout = append(fanout, notifications.NewLogNotifier(a.logger))
	}
	if cfg.Journal {
		journal, err := notifications.OpenJournal(cfg.JournalPath, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, journal.Close)
		fanout = append(fanout, journal)
	}
	if cfg.WebhookURL != "" {
		fanout = append(fanout, notifications.NewWebhook(notifications.WebhookOptions{
			URL:        cfg.WebhookURL,
			Headers:    cfg.WebhookHeaders,
			Timeout:    time.Duration(cfg.WebhookTimeout) * time.Second,
			MaxRetries: cfg.WebhookRetries,
			Logger:     a.logger,
		}))
	}
	fanout = append(fanout, extra...)
	return fanout, nil
}

// compactLoop compacts the engine every interval until ctx is done.
func (a *app) compactLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := a.engine.Compact(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.WithError(err).Warn("Periodic compaction failed")
				continue
			}
			a.logger.WithFields(logrus.Fields{
				"backend":  a.engine.Name(),
				"duration": time.Since(start),
			}).Debug("Periodic compaction finished")
		}
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
