package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/creamcroissant/sspanel/internal/bootstrap"
	"github.com/creamcroissant/sspanel/internal/config"
	"github.com/creamcroissant/sspanel/internal/migrations"
	"github.com/creamcroissant/sspanel/internal/support/logging"
)

func newLogger() *slog.Logger {
	return logging.New(logging.Options{
		Level:     cfg.Log.SlogLevel(),
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
		Writer:    os.Stderr,
	})
}

// openInfra opens SQLite (migrated to the latest schema) and the fast store, then wires services.
func openInfra(ctx context.Context, logger *slog.Logger) (*bootstrap.Infrastructure, error) {
	db, err := bootstrap.OpenSQLite(ctx, cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	var client *redis.Client
	if strings.EqualFold(cfg.FastStore.Driver, config.FastStoreRedis) {
		client, err = bootstrap.OpenRedis(ctx, cfg.FastStore, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	infra, err := bootstrap.BuildInfrastructure(cfg, db, client, logger)
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		_ = db.Close()
		return nil, err
	}
	return infra, nil
}
