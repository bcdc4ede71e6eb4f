// Package reconcile drives user-initiated lifecycle changes and repairs drift
// between the payment provider, the durable store and the cache tiers.
//
// Every write goes to the provider first, then through the engine (which
// invalidates all cache tiers), then is verified by re-reading the durable
// store. A verification that cannot be confirmed is reported as a warning:
// the billing effect has already happened at the provider.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/PortNumber53/subsync/internal/apperr"
	"github.com/PortNumber53/subsync/internal/bus"
	"github.com/PortNumber53/subsync/internal/cache"
	"github.com/PortNumber53/subsync/internal/engine"
	"github.com/PortNumber53/subsync/internal/ident"
	"github.com/PortNumber53/subsync/internal/logger"
	"github.com/PortNumber53/subsync/internal/metrics"
	"github.com/PortNumber53/subsync/internal/models"
	"github.com/PortNumber53/subsync/internal/provider"
	"github.com/PortNumber53/subsync/internal/retry"
)

// Engine is the write and read path used by the service.
type Engine interface {
	Apply(ctx context.Context, p models.SubscriptionPatch) (engine.WriteResult, error)
	ApplyStatus(ctx context.Context, user string, status models.Status, endDate *time.Time, updatedAt time.Time) (engine.WriteResult, error)
	Record(ctx context.Context, user string) (*models.SubscriptionRecord, error)
	GetStatus(ctx context.Context, user string) (models.StatusView, error)
	Invalidate(ctx context.Context, user, reason string, immediate bool) error
}

// PeriodLister finds records whose billing period has ended.
type PeriodLister interface {
	ListPeriodEnded(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Config tunes verification.
type Config struct {
	// VerifyAttempts is the number of post-write reads, at least 1.
	VerifyAttempts int
	// VerifyDelay is the linear backoff step between reads.
	VerifyDelay time.Duration
}

// DefaultConfig verifies with three reads, one and two seconds apart.
func DefaultConfig() Config {
	return Config{VerifyAttempts: 3, VerifyDelay: time.Second}
}

// Result is returned by lifecycle and refresh operations.
type Result struct {
	UserKey  string                     `json:"user_key"`
	Record   *models.SubscriptionRecord `json:"record,omitempty"`
	Verified bool                       `json:"verified"`
	Repaired bool                       `json:"repaired,omitempty"`
	Unsynced bool                       `json:"unsynced,omitempty"`
	Warning  string                     `json:"warning,omitempty"`
}

// CacheReport lists the tiers whose entry disagreed with the durable store.
type CacheReport struct {
	UserKey     string   `json:"user_key"`
	Stale       []string `json:"stale,omitempty"`
	Invalidated bool     `json:"invalidated"`
}

// SweepReport summarizes a period-end sweep.
type SweepReport struct {
	Checked  int `json:"checked"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
}

// Service reconciles subscription state.
type Service struct {
	engine   Engine
	provider provider.Client
	tiers    []cache.Tier
	lister   PeriodLister
	verify   retry.Policy
	log      *zap.Logger
	now      func() time.Time
}

// New builds a Service. tiers are only used by CheckCache and lister only by
// Sweep; either may be nil.
func New(eng Engine, client provider.Client, tiers []cache.Tier, lister PeriodLister, cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.VerifyAttempts < 1 {
		cfg.VerifyAttempts = 1
	}
	return &Service{
		engine:   eng,
		provider: client,
		tiers:    tiers,
		lister:   lister,
		verify: retry.Policy{
			Retries:   cfg.VerifyAttempts - 1,
			BaseDelay: cfg.VerifyDelay,
			Retryable: func(err error) bool { return errors.Is(err, errMismatch) },
		},
		log: logger.Component(log, "reconcile"),
		now: time.Now,
	}
}

var errMismatch = errors.New("reconcile: stored record does not match")

func normalize(op, user string) (string, error) {
	user = models.NormalizeUserKey(user)
	if user == "" {
		return "", apperr.New(apperr.KindInvalidInput, "reconcile."+op, "user identity is required")
	}
	return user, nil
}

// GetStatus returns the user's current subscription view.
func (s *Service) GetStatus(ctx context.Context, user string) (models.StatusView, error) {
	return s.engine.GetStatus(ctx, user)
}

// Cancel cancels the user's subscription at the provider, immediately or at
// the end of the current period, then records and verifies the result.
func (s *Service) Cancel(ctx context.Context, user string, atPeriodEnd bool) (Result, error) {
	const op = "cancel"
	user, err := normalize(op, user)
	if err != nil {
		return Result{}, err
	}
	rec, subRef, err := s.lifecycleTarget(ctx, op, user)
	if err != nil {
		return Result{UserKey: user}, err
	}
	if rec.Status == models.StatusCanceled {
		return Result{UserKey: user, Record: rec, Verified: true}, nil
	}

	snap, err := s.provider.Cancel(ctx, subRef, atPeriodEnd)
	if err != nil {
		return Result{UserKey: user}, err
	}
	s.log.Info("subscription canceled at provider",
		zap.String("user", user), zap.String("subscription", subRef), zap.Bool("at_period_end", atPeriodEnd))

	now := s.now().UTC()
	patch := snap.Patch(user, now)
	patch.Source = "reconcile:" + op
	if patch.CanceledAt == nil {
		patch.CanceledAt = &now
		patch.ClearCanceledAt = false
	}
	return s.writeAndVerify(ctx, op, patch, func(r *models.SubscriptionRecord) bool {
		return r.Status == *patch.Status && r.CancelAtPeriodEnd == *patch.CancelAtPeriodEnd && r.CanceledAt != nil
	})
}

// Reactivate clears a pending cancel-at-period-end.
func (s *Service) Reactivate(ctx context.Context, user string) (Result, error) {
	const op = "reactivate"
	user, err := normalize(op, user)
	if err != nil {
		return Result{}, err
	}
	_, subRef, err := s.lifecycleTarget(ctx, op, user)
	if err != nil {
		return Result{UserKey: user}, err
	}

	snap, err := s.provider.Reactivate(ctx, subRef)
	if err != nil {
		return Result{UserKey: user}, err
	}
	s.log.Info("subscription reactivated at provider", zap.String("user", user), zap.String("subscription", subRef))

	patch := snap.Patch(user, s.now().UTC())
	patch.Source = "reconcile:" + op
	return s.writeAndVerify(ctx, op, patch, func(r *models.SubscriptionRecord) bool {
		return r.Status == *patch.Status && !r.CancelAtPeriodEnd && r.CanceledAt == nil
	})
}

// Refresh fetches the subscription from the provider and repairs any drift
// in the durable record.
func (s *Service) Refresh(ctx context.Context, user string) (Result, error) {
	const op = "refresh"
	user, err := normalize(op, user)
	if err != nil {
		return Result{}, err
	}
	rec, err := s.engine.Record(ctx, user)
	if err != nil {
		return Result{UserKey: user}, err
	}
	if rec == nil {
		return Result{UserKey: user, Verified: true}, nil
	}
	subRef, err := s.subscriptionRef(ctx, op, rec)
	if err != nil {
		return Result{UserKey: user, Record: rec}, err
	}

	snap, err := s.provider.GetSubscription(ctx, subRef)
	if err != nil {
		return Result{UserKey: user, Record: rec}, err
	}

	d := diff(rec, *snap)
	if len(d) == 0 {
		if err := s.engine.Invalidate(ctx, user, "reconcile:"+op, false); err != nil {
			s.log.Warn("invalidation after refresh failed", zap.String("user", user), zap.Error(err))
		}
		return Result{UserKey: user, Record: rec, Verified: true}, nil
	}
	s.log.Info("repairing drift", zap.String("user", user), zap.String("subscription", subRef), zap.Strings("fields", d))

	now := s.now().UTC()
	match := func(r *models.SubscriptionRecord) bool { return len(diff(r, *snap)) == 0 }
	if len(d) == 1 && d[0] == "status" {
		end := snap.CurrentPeriodEnd
		if snap.Status == models.StatusCanceled {
			end = snap.CanceledAt
		}
		res, err := s.engine.ApplyStatus(ctx, user, snap.Status, end, now)
		if err != nil {
			return Result{UserKey: user, Record: rec}, err
		}
		out := s.verifyWrite(ctx, op, user, res, match)
		out.Repaired = true
		return out, nil
	}

	patch := snap.Patch(user, now)
	patch.Source = "reconcile:" + op
	out, err := s.writeAndVerify(ctx, op, patch, match)
	out.Repaired = err == nil
	return out, err
}

// CheckCache compares every cache tier's entry with the durable record and
// invalidates the user when any tier disagrees.
func (s *Service) CheckCache(ctx context.Context, user string) (CacheReport, error) {
	user, err := normalize("check_cache", user)
	if err != nil {
		return CacheReport{}, err
	}
	report := CacheReport{UserKey: user}
	rec, err := s.engine.Record(ctx, user)
	if err != nil {
		return report, err
	}
	var want int64
	if rec != nil {
		want = rec.UpdatedAt.UnixNano()
	}

	key := bus.Key(bus.KindStatus, user)
	for _, tier := range s.tiers {
		entry, ok, err := tier.Get(ctx, key)
		if err != nil {
			s.log.Debug("cache check read failed", zap.String("tier", tier.Name()), zap.Error(err))
			continue
		}
		if ok && (entry.Version != want || entry.Unsynced) {
			report.Stale = append(report.Stale, tier.Name())
		}
	}
	if len(report.Stale) == 0 {
		return report, nil
	}

	s.log.Info("cache disagrees with durable store", zap.String("user", user), zap.Strings("tiers", report.Stale))
	if err := s.engine.Invalidate(ctx, user, "reconcile:cache_mismatch", true); err != nil {
		return report, err
	}
	report.Invalidated = true
	return report, nil
}

// Sweep refreshes records whose billing period ended without a webhook
// moving them on. Credential failures stop the sweep.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	if s.lister == nil {
		return report, nil
	}
	users, err := s.lister.ListPeriodEnded(ctx, s.now().UTC(), 0)
	if err != nil {
		return report, err
	}

	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		res, err := s.Refresh(ctx, user)
		if err != nil {
			report.Failed++
			s.log.Warn("sweep refresh failed", zap.String("user", user), zap.Error(err))
			if apperr.Is(err, apperr.KindProviderAuth) {
				return report, err
			}
			continue
		}
		if res.Repaired {
			report.Repaired++
		}
	}
	return report, nil
}

// lifecycleTarget reads the user's record and resolves the subscription a
// lifecycle call should address.
func (s *Service) lifecycleTarget(ctx context.Context, op, user string) (*models.SubscriptionRecord, string, error) {
	rec, err := s.engine.Record(ctx, user)
	if err != nil {
		return nil, "", err
	}
	if rec == nil {
		return nil, "", apperr.New(apperr.KindNotFound, "reconcile."+op, "no subscription for "+user)
	}
	subRef, err := s.subscriptionRef(ctx, op, rec)
	if err != nil {
		return rec, "", err
	}
	return rec, subRef, nil
}

// subscriptionRef returns the record's subscription reference. Records
// carrying a reference of the wrong class are repaired from the provider's
// subscriptions for the customer.
func (s *Service) subscriptionRef(ctx context.Context, op string, rec *models.SubscriptionRecord) (string, error) {
	if ident.Classify(rec.SubscriptionRef) == ident.Subscription {
		return rec.SubscriptionRef, nil
	}
	s.log.Warn("stored subscription reference is malformed, searching by customer",
		zap.String("user", rec.UserKey), zap.String("subscription_ref", rec.SubscriptionRef),
		zap.String("customer_ref", rec.CustomerRef))

	if err := ident.RequireCustomer(rec.CustomerRef); err != nil {
		return "", apperr.Wrapf(apperr.KindMalformedIdentifier, "reconcile."+op, err,
			"stored subscription reference %q is not usable and the customer reference cannot be searched", rec.SubscriptionRef)
	}
	snaps, err := s.provider.FindSubscriptionsByCustomer(ctx, rec.CustomerRef)
	if err != nil {
		return "", err
	}
	best, ok := pickSubscription(snaps)
	if !ok {
		return "", apperr.New(apperr.KindNotFound, "reconcile."+op,
			fmt.Sprintf("no subscription found for customer %s", rec.CustomerRef))
	}

	repair := models.SubscriptionPatch{
		UserKey:         rec.UserKey,
		SubscriptionRef: models.String(best.SubscriptionRef),
		UpdatedAt:       s.now().UTC(),
		Source:          "reconcile:repair_ref",
	}
	if _, err := s.engine.Apply(ctx, repair); err != nil {
		s.log.Warn("failed to store repaired subscription reference", zap.String("user", rec.UserKey), zap.Error(err))
	}
	return best.SubscriptionRef, nil
}

// pickSubscription prefers live subscriptions, newest first.
func pickSubscription(snaps []provider.Snapshot) (provider.Snapshot, bool) {
	var valid []provider.Snapshot
	for _, sn := range snaps {
		if ident.Classify(sn.SubscriptionRef) == ident.Subscription {
			valid = append(valid, sn)
		}
	}
	if len(valid) == 0 {
		return provider.Snapshot{}, false
	}
	sort.SliceStable(valid, func(i, j int) bool {
		li, lj := valid[i].Status != models.StatusCanceled, valid[j].Status != models.StatusCanceled
		if li != lj {
			return li
		}
		return valid[i].Created.After(valid[j].Created)
	})
	return valid[0], true
}

func (s *Service) writeAndVerify(ctx context.Context, op string, patch models.SubscriptionPatch, match func(*models.SubscriptionRecord) bool) (Result, error) {
	res, err := s.engine.Apply(ctx, patch)
	if err != nil {
		if apperr.Is(err, apperr.KindMalformedIdentifier) {
			return Result{UserKey: patch.UserKey}, err
		}
		metrics.Verifications.WithLabelValues(op, "write_failed").Inc()
		s.log.Error("provider change applied but not recorded", zap.String("user", patch.UserKey), zap.String("op", op), zap.Error(err))
		return Result{
			UserKey: patch.UserKey,
			Warning: fmt.Sprintf("the payment provider accepted the %s but it could not be recorded: %v", op, err),
		}, nil
	}
	return s.verifyWrite(ctx, op, patch.UserKey, res, match), nil
}

func (s *Service) verifyWrite(ctx context.Context, op, user string, res engine.WriteResult, match func(*models.SubscriptionRecord) bool) Result {
	out := Result{UserKey: user}
	if res.Unsynced {
		metrics.Verifications.WithLabelValues(op, "unsynced").Inc()
		out.Unsynced = true
		out.Warning = "the durable store is unreachable; the change is queued and will sync when it returns"
		return out
	}

	var last *models.SubscriptionRecord
	policy := s.verify
	policy.OnRetry = func(n int, delay time.Duration, err error) {
		s.log.Debug("verification pending", zap.String("user", user), zap.String("op", op), zap.Int("retry", n), zap.Duration("delay", delay))
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		rec, err := s.engine.Record(ctx, user)
		if err != nil {
			return err
		}
		last = rec
		if rec == nil || !match(rec) {
			return errMismatch
		}
		return nil
	})
	out.Record = last
	if err == nil {
		metrics.Verifications.WithLabelValues(op, "verified").Inc()
		out.Verified = true
		return out
	}

	metrics.Verifications.WithLabelValues(op, "timeout").Inc()
	warn := apperr.Wrapf(apperr.KindVerificationTimeout, "reconcile."+op, err,
		"the %s was sent to the payment provider but could not be confirmed locally", op)
	if last == nil && errors.Is(err, errMismatch) {
		warn = apperr.New(apperr.KindVerificationTimeout, "reconcile."+op,
			"the "+op+" was sent to the payment provider but the subscription record could not be found afterwards")
	}
	s.log.Warn("verification timed out", zap.String("user", user), zap.String("op", op), zap.Error(warn))
	out.Warning = warn.Error()
	return out
}

// diff names the fields where rec disagrees with the provider snapshot.
func diff(rec *models.SubscriptionRecord, snap provider.Snapshot) []string {
	var out []string
	if rec == nil {
		return []string{"record"}
	}
	if rec.Status != snap.Status {
		out = append(out, "status")
	}
	if rec.CancelAtPeriodEnd != snap.CancelAtPeriodEnd {
		out = append(out, "cancel_at_period_end")
	}
	if (rec.CanceledAt == nil) != (snap.CanceledAt == nil) {
		out = append(out, "canceled_at")
	}
	if snap.PlanID != "" && rec.PlanID != snap.PlanID {
		out = append(out, "plan_id")
	}
	if snap.CustomerRef != "" && rec.CustomerRef != snap.CustomerRef {
		out = append(out, "customer_ref")
	}
	if rec.SubscriptionRef != snap.SubscriptionRef {
		out = append(out, "subscription_ref")
	}
	if !sameTime(rec.CurrentPeriodEnd, snap.CurrentPeriodEnd) {
		out = append(out, "current_period_end")
	}
	return out
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
