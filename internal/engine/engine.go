// Package engine is the shared write and read path for subscription state.
// Writes are validated, upserted into the durable store (or parked offline
// when the store is unreachable) and followed by a total cache invalidation.
// Reads walk the cache tiers, then the store, and only repopulate caches when
// no invalidation raced the read.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PortNumber53/subsync/internal/apperr"
	"github.com/PortNumber53/subsync/internal/bus"
	"github.com/PortNumber53/subsync/internal/cache"
	"github.com/PortNumber53/subsync/internal/ident"
	"github.com/PortNumber53/subsync/internal/logger"
	"github.com/PortNumber53/subsync/internal/metrics"
	"github.com/PortNumber53/subsync/internal/models"
)

// Store is the durable store surface the engine writes through.
type Store interface {
	Upsert(ctx context.Context, p models.SubscriptionPatch) (bool, error)
	Get(ctx context.Context, user string) (*models.SubscriptionRecord, error)
	UpdateStatus(ctx context.Context, user string, status models.Status, endDate *time.Time, updatedAt time.Time) (bool, error)
}

// Offline parks writes while the store is unreachable.
type Offline interface {
	Enqueue(ctx context.Context, p models.SubscriptionPatch) error
	Pending(ctx context.Context, user string) ([]models.SubscriptionPatch, error)
	Users(ctx context.Context) ([]string, error)
	Ack(ctx context.Context, user string, n int) (int, error)
}

// Invalidator owns cache keys and the invalidation signal.
type Invalidator interface {
	Invalidate(ctx context.Context, user, reason string, immediate bool) error
	Generation(user string) uint64
	Tiers() []cache.Tier
}

// WriteResult describes the outcome of a write.
type WriteResult struct {
	UserKey string `json:"user_key"`
	// Applied is false when the stored record was newer than the write.
	Applied bool `json:"applied"`
	// Unsynced is true when the write was parked in the offline store.
	Unsynced bool `json:"unsynced"`
}

// ReplayReport summarizes one offline replay pass.
type ReplayReport struct {
	Users     int `json:"users"`
	Replayed  int `json:"replayed"`
	Stale     int `json:"stale"`
	Dropped   int `json:"dropped"`
	Remaining int `json:"remaining"`
}

// Engine coordinates the store, cache tiers, offline store and bus.
type Engine struct {
	store   Store
	bus     Invalidator
	offline Offline
	log     *zap.Logger
	now     func() time.Time

	replayMu sync.Mutex
}

// New builds an Engine. offline may be nil, in which case store outages are
// returned to the caller.
func New(store Store, b Invalidator, offline Offline, log *zap.Logger) *Engine {
	return &Engine{
		store:   store,
		bus:     b,
		offline: offline,
		log:     logger.Component(log, "engine"),
		now:     time.Now,
	}
}

// Apply validates and writes p, then invalidates the user's caches. A store
// outage parks the write offline and reports it as unsynced rather than
// failing.
func (e *Engine) Apply(ctx context.Context, p models.SubscriptionPatch) (WriteResult, error) {
	p.UserKey = models.NormalizeUserKey(p.UserKey)
	res := WriteResult{UserKey: p.UserKey}
	if p.UserKey == "" {
		return res, apperr.New(apperr.KindInvalidInput, "engine.apply", "user identity is required")
	}
	if err := ident.ValidatePatch(p); err != nil {
		e.log.Warn("rejected write with malformed identifier",
			zap.String("user", p.UserKey), zap.String("source", p.Source), zap.Error(err))
		return res, err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = e.now().UTC()
	}

	applied, err := e.store.Upsert(ctx, p)
	if err != nil {
		return e.park(ctx, res, p, err)
	}
	res.Applied = applied
	if !applied {
		e.log.Info("skipped stale write", zap.String("user", p.UserKey), zap.String("source", p.Source),
			zap.Time("updated_at", p.UpdatedAt))
		return res, nil
	}

	e.invalidate(ctx, p.UserKey, reasonFor(p.Source, "write"))
	return res, nil
}

// ApplyStatus performs a status-only transition. It does not create a record
// for an unknown user.
func (e *Engine) ApplyStatus(ctx context.Context, user string, status models.Status, endDate *time.Time, updatedAt time.Time) (WriteResult, error) {
	user = models.NormalizeUserKey(user)
	res := WriteResult{UserKey: user}
	if user == "" {
		return res, apperr.New(apperr.KindInvalidInput, "engine.apply_status", "user identity is required")
	}
	if updatedAt.IsZero() {
		updatedAt = e.now().UTC()
	}

	applied, err := e.store.UpdateStatus(ctx, user, status, endDate, updatedAt)
	if err != nil {
		p := models.SubscriptionPatch{
			UserKey:    user,
			Status:     models.StatusPtr(status),
			UpdatedAt:  updatedAt,
			Source:     "status:" + string(status),
			StatusOnly: true,
		}
		if status == models.StatusCanceled {
			p.CanceledAt = endDate
		} else {
			p.CurrentPeriodEnd = endDate
		}
		return e.park(ctx, res, p, err)
	}
	res.Applied = applied
	if applied {
		e.invalidate(ctx, user, "status:"+string(status))
	}
	return res, nil
}

func (e *Engine) park(ctx context.Context, res WriteResult, p models.SubscriptionPatch, cause error) (WriteResult, error) {
	if e.offline == nil || !apperr.Is(cause, apperr.KindTransientStore) {
		return res, cause
	}
	if err := e.offline.Enqueue(ctx, p); err != nil {
		return res, errors.Join(cause, fmt.Errorf("engine: park offline: %w", err))
	}
	metrics.OfflineWrites.WithLabelValues("enqueued").Inc()
	e.log.Warn("durable store unreachable, write parked offline",
		zap.String("user", p.UserKey), zap.String("source", p.Source), zap.Error(cause))

	res.Unsynced = true
	e.invalidate(ctx, p.UserKey, reasonFor(p.Source, "offline write"))
	return res, nil
}

func (e *Engine) invalidate(ctx context.Context, user, reason string) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Invalidate(ctx, user, reason, true); err != nil {
		e.log.Warn("cache invalidation failed", zap.String("user", user), zap.Error(err))
	}
}

// Invalidate drops the user's cached state without writing.
func (e *Engine) Invalidate(ctx context.Context, user, reason string, immediate bool) error {
	if e.bus == nil {
		return nil
	}
	return e.bus.Invalidate(ctx, user, reason, immediate)
}

func reasonFor(source, fallback string) string {
	if source != "" {
		return source
	}
	return fallback
}

// Record reads the durable record directly, bypassing every cache.
func (e *Engine) Record(ctx context.Context, user string) (*models.SubscriptionRecord, error) {
	return e.store.Get(ctx, models.NormalizeUserKey(user))
}

// GetStatus returns the user's subscription view from the first cache tier
// that has it, falling back to the durable store.
func (e *Engine) GetStatus(ctx context.Context, user string) (models.StatusView, error) {
	user = models.NormalizeUserKey(user)
	if user == "" {
		return models.StatusView{}, apperr.New(apperr.KindInvalidInput, "engine.get_status", "user identity is required")
	}

	key := bus.Key(bus.KindStatus, user)
	for _, tier := range e.tiers() {
		entry, ok, err := tier.Get(ctx, key)
		if err != nil {
			metrics.CacheLookups.WithLabelValues(tier.Name(), "error").Inc()
			e.log.Debug("cache tier read failed", zap.String("tier", tier.Name()), zap.Error(err))
			continue
		}
		if !ok {
			metrics.CacheLookups.WithLabelValues(tier.Name(), "miss").Inc()
			continue
		}
		metrics.CacheLookups.WithLabelValues(tier.Name(), "hit").Inc()
		view := models.NewStatusView(user, entry.Record, models.Source(tier.Name()), entry.FetchedAt)
		view.Unsynced = entry.Unsynced
		return view, nil
	}

	return e.Load(ctx, user)
}

// Load reads the durable store, overlays any parked offline writes, and
// fills the cache tiers unless an invalidation happened during the read.
func (e *Engine) Load(ctx context.Context, user string) (models.StatusView, error) {
	user = models.NormalizeUserKey(user)
	var gen uint64
	if e.bus != nil {
		gen = e.bus.Generation(user)
	}

	rec, err := e.store.Get(ctx, user)
	if err != nil {
		return e.offlineView(ctx, user, err)
	}

	source := models.SourceStore
	unsynced := false
	if e.offline != nil {
		pending, perr := e.offline.Pending(ctx, user)
		if perr != nil {
			e.log.Warn("offline lookup failed", zap.String("user", user), zap.Error(perr))
		} else if len(pending) > 0 {
			rec = cache.Project(user, rec, pending)
			unsynced = true
		}
	}

	now := e.now().UTC()
	view := models.NewStatusView(user, rec, source, now)
	view.Unsynced = unsynced

	if e.bus != nil && e.bus.Generation(user) == gen {
		entry := models.NewCacheEntry(rec, now)
		entry.Unsynced = unsynced
		key := bus.Key(bus.KindStatus, user)
		for _, tier := range e.tiers() {
			if err := tier.Set(ctx, key, entry); err != nil {
				e.log.Debug("cache tier fill failed", zap.String("tier", tier.Name()), zap.Error(err))
			}
		}
	}
	return view, nil
}

func (e *Engine) offlineView(ctx context.Context, user string, cause error) (models.StatusView, error) {
	if e.offline == nil || !apperr.Is(cause, apperr.KindTransientStore) {
		return models.StatusView{}, cause
	}
	pending, err := e.offline.Pending(ctx, user)
	if err != nil || len(pending) == 0 {
		return models.StatusView{}, cause
	}
	rec := cache.Project(user, nil, pending)
	if rec == nil {
		return models.StatusView{}, cause
	}
	view := models.NewStatusView(user, rec, models.SourceOffline, e.now().UTC())
	view.Unsynced = true
	return view, nil
}

func (e *Engine) tiers() []cache.Tier {
	if e.bus == nil {
		return nil
	}
	return e.bus.Tiers()
}

// Replay pushes parked offline writes through the normal upsert path. Writes
// for a user are replayed in order; the pass stops at the first store outage
// so the remaining writes keep their order for the next pass.
func (e *Engine) Replay(ctx context.Context) (ReplayReport, error) {
	var report ReplayReport
	if e.offline == nil {
		return report, nil
	}
	e.replayMu.Lock()
	defer e.replayMu.Unlock()

	users, err := e.offline.Users(ctx)
	if err != nil {
		return report, err
	}

	for _, user := range users {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		n, err := e.replayUser(ctx, user, &report)
		if err != nil {
			return report, err
		}
		if n > 0 {
			report.Users++
		}
	}
	return report, nil
}

func (e *Engine) replayUser(ctx context.Context, user string, report *ReplayReport) (int, error) {
	pending, err := e.offline.Pending(ctx, user)
	if err != nil {
		return 0, err
	}

	done := 0
	var replayErr error
	for _, p := range pending {
		p.UserKey = user
		if err := ident.ValidatePatch(p); err != nil {
			e.log.Error("dropping malformed offline write", zap.String("user", user), zap.Error(err))
			report.Dropped++
			done++
			continue
		}
		applied, err := e.replayOne(ctx, p)
		if err != nil {
			replayErr = fmt.Errorf("engine: replay %s: %w", user, err)
			break
		}
		if applied {
			report.Replayed++
		} else {
			report.Stale++
		}
		done++
	}

	if done > 0 {
		remaining, err := e.offline.Ack(ctx, user, done)
		if err != nil {
			return done, errors.Join(replayErr, err)
		}
		report.Remaining += remaining
		metrics.OfflineWrites.WithLabelValues("replayed").Add(float64(done))
		e.invalidate(ctx, user, "offline replay")
	} else {
		report.Remaining += len(pending)
	}
	return done, replayErr
}

func (e *Engine) replayOne(ctx context.Context, p models.SubscriptionPatch) (bool, error) {
	if p.StatusOnly && p.Status != nil {
		return e.store.UpdateStatus(ctx, p.UserKey, *p.Status, p.EndDate(), p.UpdatedAt)
	}
	return e.store.Upsert(ctx, p)
}
