package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/amcat/internal/config"
	"github.com/kailas-cloud/amcat/internal/db"
	dbRedis "github.com/kailas-cloud/amcat/internal/db/redis"
	dbSqlite "github.com/kailas-cloud/amcat/internal/db/sqlite"
	"github.com/kailas-cloud/amcat/internal/engine"
	"github.com/kailas-cloud/amcat/internal/engine/elastic"
	"github.com/kailas-cloud/amcat/internal/engine/embedded"
	logpkg "github.com/kailas-cloud/amcat/internal/logger"
	"github.com/kailas-cloud/amcat/internal/repository/registry"
	"github.com/kailas-cloud/amcat/internal/repository/roles"
	"github.com/kailas-cloud/amcat/internal/usecase/lifecycle"
)

// app holds the infrastructure shared by every command.
type app struct {
	env       string
	cfg       config.Config
	logger    *zap.Logger
	store     db.Store
	engine    engine.Engine
	registry  *registry.Repo
	roles     *roles.Repo
	lifecycle *lifecycle.Service
}

func newApp(ctx context.Context, env string) (*app, error) {
	if env == "" {
		env = config.GetEnv()
	}
	cfg, err := config.Load(env)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	a := &app{env: env, cfg: cfg, logger: logger}
	if a.store, err = openStore(cfg.Database); err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	if err := a.store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		a.store.Close()
		return nil, fmt.Errorf("database not ready: %w", err)
	}

	inner, err := openEngine(cfg.Engine)
	if err != nil {
		a.store.Close()
		return nil, fmt.Errorf("open %s engine: %w", cfg.Engine.Driver, err)
	}
	a.engine = engine.NewResilient(inner, engine.RetryConfig{
		MaxAttempts:     cfg.Engine.Retry.MaxAttempts,
		InitialInterval: time.Duration(cfg.Engine.Retry.InitialIntervalMs) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.Engine.Retry.MaxIntervalMs) * time.Millisecond,
	}, logger)

	a.registry = registry.New(a.store)
	a.roles = roles.New(a.store)
	a.lifecycle = lifecycle.New(a.registry, a.roles, a.engine, a.store, lifecycle.Config{
		PhysicalPrefix: cfg.Lifecycle.PhysicalPrefix,
		StepTimeout:    time.Duration(cfg.Lifecycle.StepTimeoutSec) * time.Second,
		LockTTL:        time.Duration(cfg.Lifecycle.LockTTLSec) * time.Second,
		LockWait:       time.Duration(cfg.Lifecycle.LockWaitSec) * time.Second,
	}, logger)

	logger.Info("Infrastructure ready",
		zap.String("env", env),
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("engine_driver", cfg.Engine.Driver),
	)
	return a, nil
}

func (a *app) Close() {
	if err := a.engine.Close(); err != nil {
		a.logger.Warn("Error closing engine", zap.Error(err))
	}
	a.store.Close()
	_ = a.logger.Sync()
}

func openStore(cfg config.DatabaseConfig) (db.Store, error) {
	switch cfg.Driver {
	case "redis":
		return dbRedis.NewStore(dbRedis.Config{
			Addrs:        cfg.Addrs,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			WriteTimeout: time.Duration(cfg.WriteTimeoutMs) * time.Millisecond,
		})
	case "sqlite":
		return dbSqlite.NewStore(dbSqlite.Config{Path: cfg.Path})
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func openEngine(cfg config.EngineConfig) (engine.Engine, error) {
	switch cfg.Driver {
	case "elastic":
		return elastic.New(elastic.Config{
			Addrs:             cfg.Addrs,
			Username:          cfg.Username,
			Password:          cfg.Password,
			APIKey:            cfg.APIKey,
			Refresh:           cfg.Refresh,
			CompositePageSize: cfg.CompositePageSize,
		})
	case "embedded":
		return embedded.New(embedded.Config{DataDir: cfg.DataDir})
	default:
		return nil, fmt.Errorf("unknown engine driver %q", cfg.Driver)
	}
}
