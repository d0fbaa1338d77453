package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/safehaven/chat-server/internal/auth"
	"github.com/safehaven/chat-server/internal/config"
	"github.com/safehaven/chat-server/internal/store"
	"github.com/safehaven/chat-server/internal/store/sqlite"
)

// seed creates users in a development SQLite database, makes every pair of
// them accepted friends, and prints a handshake token for each.
func seed(usernames []string, ttl time.Duration) func(context.Context, *config.Config, *zap.Logger) error {
	return func(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
		if cfg.Database.Driver != "sqlite" {
			return errors.New("seed: only the sqlite driver is supported")
		}
		if len(usernames) == 0 {
			return errors.New("seed: at least one --user is required")
		}

		db, err := sqlite.Open(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		if err := sqlite.RunMigrations(ctx, db); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
		st := sqlite.New(db)
		defer st.Close()

		users := make([]*store.User, 0, len(usernames))
		for _, name := range usernames {
			u := &store.User{Username: name}
			if err := st.CreateUser(ctx, u); err != nil {
				return err
			}
			users = append(users, u)
		}

		for i := range users {
			for j := i + 1; j < len(users); j++ {
				if err := st.AddFriendRequest(ctx, users[i].ID, users[j].ID, "accepted"); err != nil {
					return err
				}
			}
		}

		verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
		for _, u := range users {
			token, err := verifier.Issue(u.ID, ttl)
			if err != nil {
				return fmt.Errorf("seed: issue token for %s: %w", u.Username, err)
			}
			fmt.Fprintf(os.Stdout, "%d\t%s\t%s\n", u.ID, u.Username, token)
		}

		logger.Info("development users seeded", zap.Int("users", len(users)), zap.String("database", cfg.Database.URL))
		return nil
	}
}
