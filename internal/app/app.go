// Package app assembles the sync service from configuration and the two
// external connections it owns: Postgres and Redis.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/PortNumber53/subsync/internal/bus"
	"github.com/PortNumber53/subsync/internal/cache"
	"github.com/PortNumber53/subsync/internal/config"
	"github.com/PortNumber53/subsync/internal/engine"
	"github.com/PortNumber53/subsync/internal/handlers"
	"github.com/PortNumber53/subsync/internal/httpserver"
	"github.com/PortNumber53/subsync/internal/logger"
	"github.com/PortNumber53/subsync/internal/migrations"
	"github.com/PortNumber53/subsync/internal/models"
	"github.com/PortNumber53/subsync/internal/provider"
	"github.com/PortNumber53/subsync/internal/reconcile"
	"github.com/PortNumber53/subsync/internal/retry"
	"github.com/PortNumber53/subsync/internal/store"
	"github.com/PortNumber53/subsync/internal/webhook"
	"github.com/PortNumber53/subsync/internal/worker"
)

// Scheduled job names.
const (
	JobReplay = "offline_replay"
	JobSweep  = "period_end_sweep"
)

// App holds the wired service.
type App struct {
	Config     config.Config
	Log        *zap.Logger
	Store      *store.Store
	Bus        *bus.Bus
	Offline    *cache.OfflineStore
	Engine     *engine.Engine
	Provider   provider.Client
	Reconciler *reconcile.Service
	Processor  *webhook.Processor
	Worker     *worker.Worker
	Server     *httpserver.Server

	rdb redis.UniversalClient
}

// Option adjusts wiring, mostly for tests.
type Option func(*options)

type options struct {
	client provider.Client
}

// WithProvider replaces the Stripe client.
func WithProvider(c provider.Client) Option {
	return func(o *options) { o.client = c }
}

// New wires every component. rdb may be nil, in which case the service runs
// with the in-process tier only and without an offline store.
func New(cfg config.Config, db *sql.DB, rdb redis.UniversalClient, log *zap.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	policy := retry.Policy{
		Retries:   cfg.StoreRetries,
		BaseDelay: cfg.StoreRetryDelay,
	}

	st, err := store.New(db,
		store.WithRetryPolicy(policy),
		store.WithLogger(log),
		store.WithProvisioner(func(ctx context.Context) error {
			return migrations.Up(db, log)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	tiers := []cache.Tier{cache.NewMemoryTier(cfg.CacheTTL)}
	var offline *cache.OfflineStore
	if rdb != nil {
		tiers = append(tiers, cache.NewRedisTier(rdb, cfg.CacheTTL))
		offline = cache.NewOfflineStore(rdb)
	}
	b := bus.New(tiers, rdb, log)

	var eng *engine.Engine
	if offline != nil {
		eng = engine.New(st, b, offline, log)
	} else {
		eng = engine.New(st, b, nil, log)
	}

	client := o.client
	if client == nil {
		client = provider.NewStripe(provider.StripeConfig{
			SecretKey: cfg.StripeSecretKey,
			APIURL:    cfg.StripeAPIURL,
			Retry:     policy,
		}, log)
	}

	svc := reconcile.New(eng, client, tiers, st, reconcile.Config{
		VerifyAttempts: cfg.VerifyAttempts,
		VerifyDelay:    cfg.VerifyDelay,
	}, log)

	decoder := webhook.NewDecoder(cfg.StripeWebhookSecret)
	if !decoder.Verifies() {
		log.Warn("STRIPE_WEBHOOK_SECRET is empty; webhook signatures are not verified")
	}
	processor := webhook.NewProcessor(eng, st, st, client, log)

	w := worker.New(worker.DefaultConfig(), logger.Component(log, "worker"))
	if err := w.Register(JobReplay, cfg.ReplaySchedule, func(ctx context.Context) error {
		report, err := eng.Replay(ctx)
		if report.Replayed > 0 || report.Dropped > 0 || report.Remaining > 0 {
			log.Info("offline replay",
				zap.Int("users", report.Users),
				zap.Int("replayed", report.Replayed),
				zap.Int("stale", report.Stale),
				zap.Int("dropped", report.Dropped),
				zap.Int("remaining", report.Remaining))
		}
		return err
	}); err != nil {
		return nil, err
	}
	if err := w.Register(JobSweep, cfg.SweepSchedule, func(ctx context.Context) error {
		report, err := svc.Sweep(ctx)
		log.Info("period-end sweep",
			zap.Int("checked", report.Checked),
			zap.Int("repaired", report.Repaired),
			zap.Int("failed", report.Failed))
		return err
	}); err != nil {
		return nil, err
	}

	health := map[string]handlers.Pinger{"database": st}
	if rdb != nil {
		health["redis"] = redisPinger{rdb}
	}

	srv := httpserver.New(cfg, httpserver.Deps{
		Reconciler: svc,
		Decoder:    decoder,
		Processor:  processor,
		Health:     health,
		Worker:     w,
		Logger:     log,
	})

	return &App{
		Config:     cfg,
		Log:        log,
		Store:      st,
		Bus:        b,
		Offline:    offline,
		Engine:     eng,
		Provider:   client,
		Reconciler: svc,
		Processor:  processor,
		Worker:     w,
		Server:     srv,
		rdb:        rdb,
	}, nil
}

// WarmOnNotify reloads a user's cache entry whenever an immediate
// notification arrives. The returned func unsubscribes.
func (a *App) WarmOnNotify(ctx context.Context) func() {
	return a.Bus.Subscribe(func(n models.Notification) {
		if !n.Immediate {
			return
		}
		go func(user string) {
			if _, err := a.Engine.Load(ctx, user); err != nil {
				a.Log.Debug("cache warm failed", zap.String("user", user), zap.Error(err))
			}
		}(n.UserKey)
	})
}

// Inspection is a user's view read straight from the durable store, plus the
// most recent webhook deliveries recorded for them.
type Inspection struct {
	View   models.StatusView     `json:"view"`
	Events []models.WebhookEvent `json:"events"`
}

// Inspect builds an Inspection for user. A failed delivery lookup is logged
// and leaves Events empty.
func (a *App) Inspect(ctx context.Context, user string, limit int) (Inspection, error) {
	view, err := a.Engine.Load(ctx, user)
	if err != nil {
		return Inspection{}, err
	}
	events, err := a.Store.ListEvents(ctx, user, limit)
	if err != nil {
		a.Log.Warn("could not list webhook deliveries", zap.String("user", view.UserKey), zap.Error(err))
	}
	return Inspection{View: view, Events: events}, nil
}

// Run serves until ctx is done, then shuts down within shutdownTimeout.
func (a *App) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := a.Bus.Run(runCtx); err != nil {
			a.Log.Error("invalidation listener stopped", zap.Error(err))
		}
	}()
	unsubscribe := a.WarmOnNotify(runCtx)
	defer unsubscribe()

	errCh := make(chan error, 1)
	go func() {
		if err := a.Server.Start(runCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

type redisPinger struct {
	rdb redis.UniversalClient
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}
