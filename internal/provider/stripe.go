package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
	"go.uber.org/zap"

	"github.com/PortNumber53/subsync/internal/apperr"
	"github.com/PortNumber53/subsync/internal/ident"
	"github.com/PortNumber53/subsync/internal/logger"
	"github.com/PortNumber53/subsync/internal/metrics"
	"github.com/PortNumber53/subsync/internal/retry"
)

const authRemediation = "payment provider rejected the credentials; check STRIPE_SECRET_KEY"

// Stripe implements Client with the stripe-go SDK.
type Stripe struct {
	subs      subscription.Client
	customers customer.Client
	policy    retry.Policy
	log       *zap.Logger
}

var _ Client = (*Stripe)(nil)

// StripeConfig configures NewStripe.
type StripeConfig struct {
	SecretKey string
	// APIURL overrides https://api.stripe.com, for stripe-mock or tests.
	APIURL     string
	HTTPClient *http.Client
	Retry      retry.Policy
}

// NewStripe builds a Stripe client. The SDK's own network retries are
// disabled; retries go through the shared retry policy instead.
func NewStripe(cfg StripeConfig, log *zap.Logger) *Stripe {
	if log == nil {
		log = zap.NewNop()
	}
	log = logger.Component(log, "provider")

	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     log.Sugar(),
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	if cfg.HTTPClient != nil {
		backendCfg.HTTPClient = cfg.HTTPClient
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	return &Stripe{
		subs:      subscription.Client{B: backend, Key: cfg.SecretKey},
		customers: customer.Client{B: backend, Key: cfg.SecretKey},
		policy:    cfg.Retry,
		log:       log,
	}
}

// Cancel cancels immediately, or flags the subscription to end with the
// current period.
func (s *Stripe) Cancel(ctx context.Context, subscriptionRef string, atPeriodEnd bool) (*Snapshot, error) {
	if err := ident.RequireSubscription(subscriptionRef); err != nil {
		return nil, err
	}
	idem := uuid.NewString()

	if atPeriodEnd {
		return s.update(ctx, "cancel_at_period_end", subscriptionRef, idem, true)
	}

	var sub *stripe.Subscription
	err := s.call(ctx, "cancel", func() error {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		params.SetIdempotencyKey(idem)
		var err error
		sub, err = s.subs.Cancel(subscriptionRef, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	snap := snapshotFrom(sub)
	return &snap, nil
}

// Reactivate clears a pending cancel-at-period-end.
func (s *Stripe) Reactivate(ctx context.Context, subscriptionRef string) (*Snapshot, error) {
	if err := ident.RequireSubscription(subscriptionRef); err != nil {
		return nil, err
	}
	return s.update(ctx, "reactivate", subscriptionRef, uuid.NewString(), false)
}

func (s *Stripe) update(ctx context.Context, op, subscriptionRef, idem string, cancelAtPeriodEnd bool) (*Snapshot, error) {
	var sub *stripe.Subscription
	err := s.call(ctx, op, func() error {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(cancelAtPeriodEnd)}
		params.Context = ctx
		params.SetIdempotencyKey(idem)
		var err error
		sub, err = s.subs.Update(subscriptionRef, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	snap := snapshotFrom(sub)
	return &snap, nil
}

// GetSubscription fetches one subscription. A missing subscription is a
// NotFound error.
func (s *Stripe) GetSubscription(ctx context.Context, subscriptionRef string) (*Snapshot, error) {
	if err := ident.RequireSubscription(subscriptionRef); err != nil {
		return nil, err
	}
	var sub *stripe.Subscription
	err := s.call(ctx, "get_subscription", func() error {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx
		var err error
		sub, err = s.subs.Get(subscriptionRef, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	snap := snapshotFrom(sub)
	return &snap, nil
}

// FindSubscriptionsByCustomer lists every subscription of the customer, in
// any state, newest first.
func (s *Stripe) FindSubscriptionsByCustomer(ctx context.Context, customerRef string) ([]Snapshot, error) {
	if err := ident.RequireCustomer(customerRef); err != nil {
		return nil, err
	}
	var out []Snapshot
	err := s.call(ctx, "list_subscriptions", func() error {
		out = out[:0]
		params := &stripe.SubscriptionListParams{
			Customer: stripe.String(customerRef),
			Status:   stripe.String("all"),
		}
		params.Context = ctx
		iter := s.subs.List(params)
		for iter.Next() {
			out = append(out, snapshotFrom(iter.Subscription()))
		}
		return iter.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CustomerIdentity returns the user identity recorded on the customer:
// metadata user_identity when set, the customer email otherwise.
func (s *Stripe) CustomerIdentity(ctx context.Context, customerRef string) (string, error) {
	if err := ident.RequireCustomer(customerRef); err != nil {
		return "", err
	}
	var cust *stripe.Customer
	err := s.call(ctx, "get_customer", func() error {
		params := &stripe.CustomerParams{}
		params.Context = ctx
		var err error
		cust, err = s.customers.Get(customerRef, params)
		return err
	})
	if err != nil {
		return "", err
	}
	if cust.Deleted {
		return "", apperr.New(apperr.KindNotFound, "provider.get_customer", "customer "+customerRef+" is deleted")
	}
	if v := cust.Metadata["user_identity"]; v != "" {
		return v, nil
	}
	if cust.Email == "" {
		return "", apperr.New(apperr.KindNotFound, "provider.get_customer", "customer "+customerRef+" has no email")
	}
	return cust.Email, nil
}

func (s *Stripe) call(ctx context.Context, op string, fn func() error) error {
	policy := s.policy
	policy.OnRetry = func(n int, delay time.Duration, err error) {
		s.log.Warn("provider call failed, retrying",
			zap.String("op", op), zap.Int("retry", n), zap.Duration("delay", delay), zap.Error(err))
	}

	start := time.Now()
	err := retry.Do(ctx, policy, func(context.Context) error {
		return mapError(op, fn())
	})
	metrics.ProviderLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
	}
	metrics.ProviderRequests.WithLabelValues(op, result).Inc()
	return err
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	op = "provider." + op

	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusUnauthorized || se.HTTPStatusCode == http.StatusForbidden:
			return apperr.Wrapf(apperr.KindProviderAuth, op, err, authRemediation)
		case se.HTTPStatusCode == http.StatusNotFound:
			return apperr.Wrap(apperr.KindNotFound, op, err)
		case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500:
			return apperr.Wrap(apperr.KindProviderUnavailable, op, err)
		default:
			return apperr.Wrapf(apperr.KindProviderRejected, op, err, "request rejected (%s)", se.Code)
		}
	}
	return apperr.Wrap(apperr.KindProviderUnavailable, op, err)
}

func snapshotFrom(sub *stripe.Subscription) Snapshot {
	if sub == nil {
		return Snapshot{}
	}
	snap := Snapshot{
		SubscriptionRef:   sub.ID,
		RawStatus:         string(sub.Status),
		Status:            MapStatus(string(sub.Status)),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        Unix(sub.CanceledAt),
	}
	if created := Unix(sub.Created); created != nil {
		snap.Created = *created
	}
	if sub.Customer != nil {
		snap.CustomerRef = sub.Customer.ID
	}

	var lookupKey, priceID string
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		snap.CurrentPeriodStart = Unix(item.CurrentPeriodStart)
		snap.CurrentPeriodEnd = Unix(item.CurrentPeriodEnd)
		if item.Price != nil {
			lookupKey = item.Price.LookupKey
			priceID = item.Price.ID
		}
	}
	snap.PlanID = PlanFromPrice(sub.Metadata, lookupKey, priceID)
	return snap
}
