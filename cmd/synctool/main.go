// Command synctool runs one-off maintenance against the subscription store:
// schema migrations, offline replay and per-user inspection or repair.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PortNumber53/subsync/internal/app"
	"github.com/PortNumber53/subsync/internal/config"
	"github.com/PortNumber53/subsync/internal/logger"
	"github.com/PortNumber53/subsync/internal/migrations"
)

type env struct {
	cfg config.Config
	log *zap.Logger
	db  *sql.DB
	rdb *redis.Client
}

func (e *env) close() {
	if e.rdb != nil {
		_ = e.rdb.Close()
	}
	if e.db != nil {
		_ = e.db.Close()
	}
	_ = e.log.Sync()
}

func connect(ctx context.Context, withRedis bool) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	e := &env{cfg: cfg, log: logger.New(cfg.LogLevel, cfg.LogFormat)}

	e.db, err = sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := e.db.PingContext(ctx); err != nil {
		e.close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if withRedis {
		e.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := e.rdb.Ping(ctx).Err(); err != nil {
			e.close()
			return nil, fmt.Errorf("ping redis at %s: %w", cfg.RedisAddr, err)
		}
	}
	return e, nil
}

func (e *env) app() (*app.App, error) {
	var rdb redis.UniversalClient
	if e.rdb != nil {
		rdb = e.rdb
	}
	return app.New(e.cfg, e.db, rdb, e.log)
}

const recentEvents = 20

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd() *cobra.Command {
	var timeout time.Duration

	root := &cobra.Command{
		Use:           "synctool",
		Short:         "Maintenance commands for the subscription sync service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline for the command")

	withEnv := func(needRedis bool, fn func(ctx context.Context, cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			e, err := connect(ctx, needRedis)
			if err != nil {
				return err
			}
			defer e.close()
			return fn(ctx, cmd, e, args)
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: withEnv(false, func(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
			if err := migrations.Up(e.db, e.log); err != nil {
				return err
			}
			v, dirty, err := migrations.Version(e.db)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"version": v, "dirty": dirty})
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Set the schema version and clear the dirty flag",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(false, func(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version number: %s", args[0])
			}
			if err := migrations.Force(e.db, v); err != nil {
				return err
			}
			e.log.Info("database version forced", zap.Int("version", v))
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "replay",
		Short: "Push writes parked in the offline store to the database",
		Args:  cobra.NoArgs,
		RunE: withEnv(true, func(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
			a, err := e.app()
			if err != nil {
				return err
			}
			report, err := a.Engine.Replay(ctx)
			if perr := printJSON(cmd, report); perr != nil {
				return perr
			}
			return err
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "status <user>",
		Short: "Show a user's subscription and recent webhook deliveries",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(true, func(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
			a, err := e.app()
			if err != nil {
				return err
			}
			report, err := a.Inspect(ctx, args[0], recentEvents)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "check-cache <user>",
		Short: "Compare a user's cached entries with the database and invalidate on mismatch",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(true, func(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
			a, err := e.app()
			if err != nil {
				return err
			}
			report, err := a.Reconciler.CheckCache(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "refresh <user>",
		Short: "Re-read a user's subscription from the payment provider and repair drift",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(true, func(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
			a, err := e.app()
			if err != nil {
				return err
			}
			res, err := a.Reconciler.Refresh(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Refresh every record whose billing period has ended",
		Args:  cobra.NoArgs,
		RunE: withEnv(true, func(ctx context.Context, cmd *cobra.Command, e *env, args []string) error {
			a, err := e.app()
			if err != nil {
				return err
			}
			report, err := a.Reconciler.Sweep(ctx)
			if perr := printJSON(cmd, report); perr != nil {
				return perr
			}
			return err
		}),
	})

	return root
}

func main() {
	config.LoadDotenv(config.DefaultEnvFiles...)

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "synctool:", err)
		os.Exit(1)
	}
}
