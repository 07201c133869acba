package main

import (
	"context"
	"fmt"
	"time"

	"whatsmgr/internal/cache"
	"whatsmgr/internal/credentials"
	"whatsmgr/internal/importer"
	"whatsmgr/internal/models"
	"whatsmgr/internal/notify"
	"whatsmgr/internal/registry"
	"whatsmgr/internal/retry"
	"whatsmgr/internal/service"
	"whatsmgr/internal/store"
	"whatsmgr/internal/tracing"
	"whatsmgr/pkg/whatsapp/loopback"
	"whatsmgr/pkg/whatsapp/types"

	"github.com/sirupsen/logrus"
)

// app owns every long-lived component of the serve command
type app struct {
	logger     *logrus.Logger
	store      *store.Store
	creds      *credentials.Store
	caches     *cache.Caches
	hub        *notify.Hub
	engine     types.Engine
	manager    *service.Manager
	reconciler *service.Reconciler
	closeSink  func(context.Context) error
}

func buildApp(ctx context.Context, cfg *models.Config, logger *logrus.Logger, verbose bool) (*app, error) {
	a := &app{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	backoff := retry.FromConfig(cfg.Retry)

	st, err := store.Open(cfg.Database, backoff, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	a.store = st
	if err := st.AutoMigrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate session store: %w", err)
	}
	logger.WithField("driver", cfg.Database.Driver).Info("Session store ready")

	enc, err := credentials.NewEncryptorFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential encryption: %w", err)
	}
	if !enc.Enabled() {
		logger.Warnf("Credential encryption disabled; set %s to enable", credentials.SecretEnvVar)
	}
	creds, err := credentials.Open(ctx, cfg.Credentials.Path, enc, backoff, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	a.creds = creds

	caches, err := cache.New(logger, cachePolicy(cfg.Cache.Retry), cachePolicy(cfg.Cache.Recent))
	if err != nil {
		return nil, fmt.Errorf("invalid cache policy: %w", err)
	}
	a.caches = caches

	hub, err := notify.NewHub(logger, cfg.Notify.PoolSize, time.Duration(cfg.Notify.WriteTimeoutSec)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification hub: %w", err)
	}
	a.hub = hub

	sink, closeSink, err := openSink(ctx, cfg.Import, st, logger)
	if err != nil {
		return nil, err
	}
	a.closeSink = closeSink

	a.engine = loopback.NewEngine(logger, loopback.Options{AutoPair: cfg.Engine.AutoPair})

	manager, err := service.NewManager(service.Dependencies{
		Engine:      a.engine,
		Repository:  st,
		Credentials: creds,
		Caches:      caches,
		Registry:    registry.New(),
		Notifier:    hub,
		Exceptions:  tracing.NewExceptionSink(logger),
		Importer:    importer.NewGuardedSink(cfg.Import.Sink, sink, importer.DefaultBreakerConfig(), logger),
		Logger:      logger,
	}, service.OptionsFromConfig(cfg.Session, verbose))
	if err != nil {
		return nil, err
	}
	a.manager = manager

	if cfg.Reconcile.Enabled {
		reconciler, err := service.NewReconciler(manager, cfg.Reconcile.Schedule, logger)
		if err != nil {
			return nil, fmt.Errorf("invalid reconcile schedule: %w", err)
		}
		a.reconciler = reconciler
	}

	ok = true
	return a, nil
}

// openSink selects the history backlog destination
func openSink(ctx context.Context, cfg models.ImportConfig, st *store.Store, logger *logrus.Logger) (importer.Sink, func(context.Context) error, error) {
	switch cfg.Sink {
	case "mongo":
		sink, err := importer.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect import sink: %w", err)
		}
		return sink, sink.Close, nil
	default:
		sink := importer.NewDatabaseSink(st.DB(), cfg.BatchSize, logger)
		if err := sink.AutoMigrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to migrate import sink: %w", err)
		}
		return sink, nil, nil
	}
}

func cachePolicy(c models.CachePolicyConfig) cache.Policy {
	return cache.Policy{
		MaxEntries:    c.MaxEntries,
		TTL:           time.Duration(c.TTLSec) * time.Second,
		SweepInterval: time.Duration(c.SweepIntervalSec) * time.Second,
	}
}

// Close stops components in reverse dependency order. Sessions are closed
// without logging out so they resume on the next start.
func (a *app) Close() {
	if a.reconciler != nil {
		a.reconciler.Stop()
	}
	if a.manager != nil {
		a.manager.Close()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.caches != nil {
		a.caches.Close()
	}
	if a.closeSink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.closeSink(ctx); err != nil {
			a.logger.WithError(err).Warn("Failed to close import sink")
		}
		cancel()
	}
	if a.creds != nil {
		if err := a.creds.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close credential store")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close session store")
		}
	}
}
