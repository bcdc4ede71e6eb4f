package main

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/PortNumber53/subsync/internal/app"
	"github.com/PortNumber53/subsync/internal/config"
	"github.com/PortNumber53/subsync/internal/logger"
	"github.com/PortNumber53/subsync/internal/migrations"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. Missing files are skipped.
	config.LoadDotenv(config.DefaultEnvFiles...)

	cfg, err := config.Load()
	if err != nil {
		logger.New("info", "console").Fatal("failed to load configuration", zap.Error(err))
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = log.Sync() }()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	logDBTarget(log, "primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal("failed to ping database", zap.Error(err))
	}

	if err := runMigrationsWithDirtyFix(db, log); err != nil {
		log.Fatal("failed to apply database migrations", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unreachable at startup; shared cache and offline store degraded", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	a, err := app.New(cfg, db, rdb, log)
	if err != nil {
		log.Fatal("failed to wire service", zap.Error(err))
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("subsync starting", zap.String("addr", cfg.ServerAddress))
	if err := a.Run(shutdownCtx, 10*time.Second); err != nil {
		log.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

// runMigrationsWithDirtyFix retries once after forcing the previous version
// when a failed migration left the schema dirty.
func runMigrationsWithDirtyFix(db *sql.DB, log *zap.Logger) error {
	err := migrations.Up(db, log)
	if err == nil || !migrations.IsDirty(err) {
		return err
	}

	version, _, verr := migrations.Version(db)
	if verr != nil {
		return err
	}
	previous := int(version) - 1
	if previous < 1 {
		previous = -1
	}
	log.Warn("migrations: dirty database detected, forcing previous version", zap.Uint("version", version), zap.Int("previous", previous))
	if ferr := migrations.Force(db, previous); ferr != nil {
		log.Error("migrations: failed to fix dirty database", zap.Error(ferr))
		return err
	}
	return migrations.Up(db, log)
}

func logDBTarget(log *zap.Logger, name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Info("db configured", zap.String("name", name), zap.NamedError("dsn_parse", err))
		return
	}
	log.Info("db configured", zap.String("name", name), zap.String("host", u.Hostname()), zap.String("db", strings.TrimPrefix(u.Path, "/")))
}
