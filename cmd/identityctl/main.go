package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"farm-identity/app"
	"farm-identity/internal/auth"
	"farm-identity/internal/config"
	"farm-identity/internal/db"
	"farm-identity/internal/maintenance"
	"farm-identity/internal/observability"
)

// adminOps is what the commands need from a live deployment.
type adminOps interface {
	Migrate(ctx context.Context) ([]string, error)
	AccountStatus(ctx context.Context, username string) (auth.LockoutStatus, error)
	UnlockAccount(ctx context.Context, username string) (bool, error)
	Cleanup(ctx context.Context) (maintenance.CleanupResult, error)
}

type backend struct {
	loadConfig func(path string) (*config.Config, error)
	connect    func(ctx context.Context, cfg *config.Config) (adminOps, func(), error)
}

func main() {
	_ = godotenv.Load()

	if err := newRootCmd(defaultBackend()).Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultBackend() backend {
	return backend{
		loadConfig: config.Load,
		connect:    connect,
	}
}

type liveOps struct {
	migrate  func(ctx context.Context) ([]string, error)
	identity *app.Identity
}

func (o liveOps) Migrate(ctx context.Context) ([]string, error) {
	return o.migrate(ctx)
}

func (o liveOps) AccountStatus(ctx context.Context, username string) (auth.LockoutStatus, error) {
	return o.identity.Service.AccountStatus(ctx, username)
}

func (o liveOps) UnlockAccount(ctx context.Context, username string) (bool, error) {
	return o.identity.Service.UnlockAccount(ctx, username)
}

func (o liveOps) Cleanup(ctx context.Context) (maintenance.CleanupResult, error) {
	return o.identity.Cleanup.Run(ctx)
}

func connect(ctx context.Context, cfg *config.Config) (adminOps, func(), error) {
	pool, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, nil, err
	}

	logger := observability.NewLogger(cfg.Env)
	identity, err := app.NewIdentity(cfg, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("wire identity: %w", err)
	}

	ops := liveOps{
		migrate: func(ctx context.Context) ([]string, error) {
			return db.Migrate(ctx, pool)
		},
		identity: identity,
	}
	return ops, pool.Close, nil
}
