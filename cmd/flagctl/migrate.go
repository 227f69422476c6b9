package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/matt-riley/flageval/migrations"
)

const (
	migrateUp     = "up"
	migrateDown   = "down"
	migrateStatus = "status"
)

var errNoDatabase = errors.New("DATABASE_URL is required to run migrations")

func newMigrateCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply the flag schema used by the postgres provider",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{migrateUp, migrateDown, migrateStatus},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := migrateUp
			if len(args) == 1 {
				direction = args[0]
			}

			rt, err := global.setup(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.close()

			if rt.cfg.DatabaseURL == "" {
				return errNoDatabase
			}
			pool, err := pgxpool.New(cmd.Context(), rt.cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			return runMigrations(cmd.Context(), pool, direction)
		},
	}
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool, direction string) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	var err error
	switch direction {
	case migrateUp:
		err = goose.UpContext(ctx, db, ".")
	case migrateDown:
		err = goose.DownContext(ctx, db, ".")
	case migrateStatus:
		err = goose.StatusContext(ctx, db, ".")
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}
	if err != nil {
		return fmt.Errorf("run migrations %s: %w", direction, err)
	}

	slog.Info("migrations finished", "direction", direction)
	return nil
}
