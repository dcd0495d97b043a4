package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	"github.com/rivermouth/estuary/connectors/devkit"
	"github.com/rivermouth/estuary/core"
	"github.com/rivermouth/estuary/httpapi"
	"github.com/rivermouth/estuary/migrations"
	sqlstore "github.com/rivermouth/estuary/store/sql"
	enginesync "github.com/rivermouth/estuary/sync"
	"github.com/rivermouth/estuary/webhooks"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "estuary: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := core.LoadConfig(ctx, core.ConfigSources{File: os.Getenv("ESTUARY_CONFIG")})
	if err != nil {
		return err
	}

	logger := newLogger(cfg.ServiceName, cfg.Database.Debug)

	client, err := openPersistence(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			logger.Error("persistence close failed", "error", closeErr)
		}
	}()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		return err
	}

	apps, err := seedAppConfigs(ctx, cfg, factory.AppConfigStore())
	if err != nil {
		return err
	}

	registry := core.NewConnectorRegistry()
	devkitConnector, err := devkit.New(devkit.Options{Entities: factory.EntityStore()})
	if err != nil {
		return err
	}
	if err := registry.Register(devkit.ConnectorName, devkitConnector); err != nil {
		return err
	}

	processor, err := webhooks.NewProcessor(webhooks.ProcessorOptions{
		Apps:     apps,
		Registry: registry,
		Entities: factory.EntityStore(),
		Limiter: webhooks.NewTokenBucketLimiter(webhooks.TokenBucketOptions{
			RatePerMinute: cfg.Server.WebhookRatePerMinute,
		}),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	orchestrator, err := enginesync.NewOrchestrator(enginesync.OrchestratorOptions{
		Apps:     apps,
		Registry: registry,
		States:   factory.SyncStateStore(),
		Jobs:     factory.SyncJobStore(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	worker, err := enginesync.NewWorker(enginesync.WorkerOptions{
		Jobs:   factory.SyncJobStore(),
		Runner: orchestrator,
		Budget: cfg.Worker.Budget,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	server, err := httpapi.NewServer(httpapi.ServerOptions{
		Processor:    processor,
		Orchestrator: orchestrator,
		Worker:       worker,
		Jobs:         factory.SyncJobStore(),
		AdminToken:   cfg.Server.AdminKey,
		BodyLimit:    cfg.Server.BodyLimitBytes,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	sweeper, err := startSweeps(cfg, factory.SyncJobStore(), logger)
	if err != nil {
		return err
	}
	defer sweeper.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(cfg.Server.Addr)
	}()
	logger.Info("estuary listening", "addr", cfg.Server.Addr, "apps", len(cfg.Apps))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

type persistenceConfig struct {
	db core.DatabaseConfig
}

func (c persistenceConfig) GetDebug() bool    { return c.db.Debug }
func (c persistenceConfig) GetDriver() string { return c.db.Driver }
func (c persistenceConfig) GetServer() string { return c.db.DSN }

func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }

func (c persistenceConfig) GetOtelIdentifier() string { return "estuary" }

func openPersistence(ctx context.Context, cfg core.Config) (*persistence.Client, error) {
	var dialect schema.Dialect
	var migrationTarget string
	switch strings.ToLower(strings.TrimSpace(cfg.Database.Driver)) {
	case "postgres":
		dialect = pgdialect.New()
		migrationTarget = migrations.DialectPostgres
	case "sqlite", "sqlite3":
		dialect = sqlitedialect.New()
		migrationTarget = migrations.DialectSQLite
	default:
		return nil, fmt.Errorf("estuary: unsupported database driver %q", cfg.Database.Driver)
	}

	sqlDB, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("estuary: open database: %w", err)
	}

	client, err := persistence.New(persistenceConfig{db: cfg.Database}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("estuary: persistence client: %w", err)
	}

	_, err = migrations.Register(ctx, func(_ context.Context, target string, _ string, fsys fs.FS) error {
		if target != migrationTarget {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, migrations.WithValidationTargets(migrationTarget))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("estuary: migrate: %w", err)
	}

	return client, nil
}

// seedAppConfigs writes the configured provider instances and returns the
// cached read path the request-serving components use.
func seedAppConfigs(ctx context.Context, cfg core.Config, base *sqlstore.AppConfigStore) (core.AppConfigStore, error) {
	apps := make([]core.AppConfig, 0, len(cfg.Apps))
	for _, entry := range cfg.Apps {
		app, err := entry.ToAppConfig()
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	if len(apps) > 0 {
		if err := base.Seed(ctx, apps); err != nil {
			return nil, err
		}
	}

	cacheConfig := repositorycache.DefaultConfig()
	cacheConfig.TTL = time.Minute
	cacheService, err := repositorycache.NewCacheService(cacheConfig)
	if err != nil {
		return nil, err
	}
	return sqlstore.NewCachedAppConfigStore(base, cacheService)
}

// startSweeps schedules the background reclaim and retention passes. Both
// are idempotent, so overlapping processes running the same schedule are
// harmless.
func startSweeps(cfg core.Config, jobs core.SyncJobStore, logger core.Logger) (*cron.Cron, error) {
	sweeper := cron.New()

	_, err := sweeper.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		cutoff := time.Now().UTC().Add(-cfg.Worker.HeartbeatTimeout)
		reclaimed, err := jobs.ReclaimStalled(ctx, cutoff)
		if err != nil {
			logger.Error("stalled task reclaim failed", "error", err)
			return
		}
		if reclaimed > 0 {
			logger.Info("reclaimed stalled tasks", "count", reclaimed)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("estuary: schedule reclaim sweep: %w", err)
	}

	_, err = sweeper.AddFunc("@every 1h", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		cutoff := time.Now().UTC().Add(-cfg.Worker.JobRetention)
		removed, err := jobs.DeleteFinishedBefore(ctx, cutoff)
		if err != nil {
			logger.Error("job retention sweep failed", "error", err)
			return
		}
		if removed > 0 {
			logger.Info("removed finished jobs", "count", removed)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("estuary: schedule retention sweep: %w", err)
	}

	sweeper.Start()
	return sweeper, nil
}
