// Package provider is the outbound adapter to the payment provider. It owns
// lifecycle calls (cancel, reactivate) and the lookups reconciliation needs.
package provider

import (
	"context"
	"time"

	"github.com/PortNumber53/subsync/internal/models"
)

// Client is the payment-provider surface used by reconciliation and the
// webhook processor.
type Client interface {
	Cancel(ctx context.Context, subscriptionRef string, atPeriodEnd bool) (*Snapshot, error)
	Reactivate(ctx context.Context, subscriptionRef string) (*Snapshot, error)
	GetSubscription(ctx context.Context, subscriptionRef string) (*Snapshot, error)
	FindSubscriptionsByCustomer(ctx context.Context, customerRef string) ([]Snapshot, error)
	CustomerIdentity(ctx context.Context, customerRef string) (string, error)
}

// Snapshot is the provider's view of one subscription.
type Snapshot struct {
	SubscriptionRef    string
	CustomerRef        string
	RawStatus          string
	Status             models.Status
	PlanID             string
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	Created            time.Time
}

// Patch converts the snapshot into a full-record patch for user.
func (s Snapshot) Patch(user string, updatedAt time.Time) models.SubscriptionPatch {
	p := models.SubscriptionPatch{
		UserKey:            user,
		SubscriptionRef:    models.String(s.SubscriptionRef),
		Status:             models.StatusPtr(s.Status),
		CancelAtPeriodEnd:  models.Bool(s.CancelAtPeriodEnd),
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		UpdatedAt:          updatedAt,
	}
	if s.CustomerRef != "" {
		p.CustomerRef = models.String(s.CustomerRef)
	}
	if s.PlanID != "" {
		p.PlanID = models.String(s.PlanID)
	}
	if s.CanceledAt != nil {
		p.CanceledAt = s.CanceledAt
	} else if !s.CancelAtPeriodEnd && s.Status != models.StatusCanceled {
		p.ClearCanceledAt = true
	}
	return p
}

// MapStatus folds the provider's subscription states onto the four persisted
// ones.
func MapStatus(raw string) models.Status {
	switch raw {
	case "active", "trialing":
		return models.StatusActive
	case "past_due", "incomplete":
		return models.StatusPastDue
	case "unpaid", "paused":
		return models.StatusUnpaid
	case "canceled", "incomplete_expired":
		return models.StatusCanceled
	default:
		return models.StatusPastDue
	}
}

// PlanFromPrice picks the plan identifier for a subscription: explicit
// metadata, then the price lookup key, then the price id.
func PlanFromPrice(metadata map[string]string, lookupKey, priceID string) string {
	if v := metadata["plan_id"]; v != "" {
		return v
	}
	if lookupKey != "" {
		return lookupKey
	}
	return priceID
}

// Unix converts a provider timestamp, treating zero as absent.
func Unix(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
