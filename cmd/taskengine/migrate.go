package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskengine/config"
	"github.com/vinayprograms/taskengine/tasks"
	"github.com/vinayprograms/taskengine/telemetry"
	"github.com/vinayprograms/taskengine/tools"
	"github.com/vinayprograms/taskengine/workspace"
)

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			steps := []struct {
				name string
				fn   func(context.Context, *pgxpool.Pool) error
			}{
				{"workspace", workspace.Migrate},
				{"tasks", tasks.Migrate},
				{"telemetry", telemetry.Migrate},
			}
			for _, s := range steps {
				if err := s.fn(ctx, pool); err != nil {
					return fmt.Errorf("migrate %s: %w", s.name, err)
				}
				logger.Info("schema applied", map[string]interface{}{"schema": s.name})
			}
			return nil
		},
	}
}

func newSeedToolsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "seed-tools",
		Short: "Insert the built-in tool definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := tools.SeedBuiltins(ctx, workspace.NewPostgresStore(pool))
			if err != nil {
				return fmt.Errorf("seed tools: %w", err)
			}
			logger.Info("built-in tools seeded", map[string]interface{}{"inserted": n})
			return nil
		},
	}
}

// connect opens and pings the pool.
func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
