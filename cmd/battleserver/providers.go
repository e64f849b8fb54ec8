package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/blockbattle/internal/account"
	"github.com/cory-johannsen/blockbattle/internal/config"
	"github.com/cory-johannsen/blockbattle/internal/gameserver"
	"github.com/cory-johannsen/blockbattle/internal/observability"
	"github.com/cory-johannsen/blockbattle/internal/server"
	"github.com/cory-johannsen/blockbattle/internal/storage/postgres"
	"github.com/cory-johannsen/blockbattle/internal/transport/ws"
)

// app is the root of the server object graph.
type app struct {
	Lifecycle *server.Lifecycle
}

// accountBackend is what the server needs from the configured storage driver.
type accountBackend interface {
	gameserver.AccountStore
	gameserver.SessionPurger
	ws.HealthChecker
}

// postgresBackend pairs the repository with the pool that backs it.
type postgresBackend struct {
	*postgres.AccountRepository
	*postgres.Pool
}

func provideServerConfig(cfg config.Config) config.ServerConfig {
	return cfg.Server
}

func provideHasher(cfg config.Config) (account.Hasher, error) {
	return account.NewHasher(cfg.Storage.PasswordScheme)
}

// provideBackend opens the configured store. Connection failure is returned
// before any listener is opened.
func provideBackend(ctx context.Context, cfg config.Config, hasher account.Hasher, logger *zap.Logger) (accountBackend, func(), error) {
	if cfg.Storage.Driver == config.DriverMemory {
		logger.Warn("using in-memory account store; data is lost on restart")
		return account.NewMemoryStore(hasher, account.WithSessionTTL(cfg.Storage.SessionTTL)), func() {}, nil
	}

	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("database", cfg.Database.Name),
		zap.Duration("elapsed", time.Since(dbStart)),
	)

	if cfg.Storage.AutoMigrate {
		res, err := postgres.MigrateUp(cfg.Database.DSN())
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("applying migrations: %w", err)
		}
		logger.Info("migrations applied",
			zap.Uint("version", res.Version),
			zap.Bool("changed", res.Changed),
		)
	}

	observability.RegisterPoolStats(pool.Stats)
	repo := postgres.NewAccountRepository(pool.DB(), hasher, cfg.Storage.SessionTTL)
	return postgresBackend{AccountRepository: repo, Pool: pool}, pool.Close, nil
}

func provideAccountStore(b accountBackend) gameserver.AccountStore { return b }

func provideSessionPurger(b accountBackend) gameserver.SessionPurger { return b }

func provideHealthChecker(b accountBackend) ws.HealthChecker { return b }

func provideJanitor(cfg config.Config, purger gameserver.SessionPurger, logger *zap.Logger) *gameserver.Janitor {
	return gameserver.NewJanitor(purger, cfg.Storage.SessionPurgeInterval, logger)
}

func provideLifecycle(logger *zap.Logger, acceptor *ws.Acceptor, janitor *gameserver.Janitor) *server.Lifecycle {
	lc := server.NewLifecycle(logger)
	lc.Add("websocket", &server.FuncService{
		StartFn: func(context.Context) error { return acceptor.ListenAndServe() },
		StopFn:  acceptor.Stop,
	})
	lc.Add("session-janitor", janitor)
	return lc
}
