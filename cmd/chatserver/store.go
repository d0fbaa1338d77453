package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/safehaven/chat-server/internal/config"
	"github.com/safehaven/chat-server/internal/store"
	"github.com/safehaven/chat-server/internal/store/postgres"
	"github.com/safehaven/chat-server/internal/store/sqlite"
)

// openStore connects to the configured database and applies migrations.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		db, err := sqlite.Open(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := sqlite.RunMigrations(ctx, db); err != nil {
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return sqlite.New(db), nil

	default:
		st, err := postgres.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, logger)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	}
}
