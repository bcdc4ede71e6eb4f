// Package webhook turns payment-provider deliveries into typed events and
// applies them to subscription state.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/PortNumber53/subsync/internal/provider"
)

// Stripe event types handled by the processor.
const (
	TypeCheckoutCompleted       = "checkout.session.completed"
	TypeSubscriptionCreated     = "customer.subscription.created"
	TypeSubscriptionUpdated     = "customer.subscription.updated"
	TypeSubscriptionDeleted     = "customer.subscription.deleted"
	TypeInvoicePaid             = "invoice.paid"
	TypeInvoicePaymentSucceeded = "invoice.payment_succeeded"
	TypeInvoicePaymentFailed    = "invoice.payment_failed"
)

// ErrUnhandledType is returned by Decode for event types the processor does
// not act on. Such deliveries are acknowledged and ignored.
var ErrUnhandledType = errors.New("webhook: unhandled event type")

// ErrBadSignature marks deliveries whose signature header does not verify.
// Only these are refused; every verified delivery is acknowledged.
var ErrBadSignature = errors.New("webhook: signature verification failed")

// Event is the closed set of decoded webhook events.
type Event interface {
	Envelope() Meta
	isEvent()
}

// Meta is the envelope shared by every event.
type Meta struct {
	ID       string `validate:"required"`
	Type     string `validate:"required"`
	Created  time.Time
	Livemode bool
}

func (m Meta) Envelope() Meta { return m }
func (Meta) isEvent()         {}

// CheckoutCompleted is a finished checkout session.
type CheckoutCompleted struct {
	Meta
	Session CheckoutSession
}

// SubscriptionCreated carries a newly created subscription.
type SubscriptionCreated struct {
	Meta
	Subscription Subscription
}

// SubscriptionUpdated carries the subscription after a change.
type SubscriptionUpdated struct {
	Meta
	Subscription Subscription
}

// SubscriptionDeleted carries a subscription that has ended.
type SubscriptionDeleted struct {
	Meta
	Subscription Subscription
}

// InvoicePaid covers invoice.paid and invoice.payment_succeeded.
type InvoicePaid struct {
	Meta
	Invoice Invoice
}

// InvoicePaymentFailed is a failed collection attempt.
type InvoicePaymentFailed struct {
	Meta
	Invoice Invoice
}

// ref is an id field that the provider sends either as a bare string or as
// an expanded object.
type ref string

func (r *ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*r = ref(obj.ID)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = ref(s)
	return nil
}

// CheckoutSession is the data object of checkout.session.completed.
type CheckoutSession struct {
	ID                string            `json:"id" validate:"required"`
	Mode              string            `json:"mode"`
	Customer          ref               `json:"customer"`
	Subscription      ref               `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	CustomerEmail     string            `json:"customer_email"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// Email returns the buyer email from whichever field carries it.
func (s CheckoutSession) Email() string {
	if s.CustomerEmail != "" {
		return s.CustomerEmail
	}
	if s.CustomerDetails != nil {
		return s.CustomerDetails.Email
	}
	return ""
}

// Subscription is the data object of customer.subscription.* events.
type Subscription struct {
	ID                string            `json:"id" validate:"required"`
	Customer          ref               `json:"customer" validate:"required"`
	Status            string            `json:"status" validate:"required"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CanceledAt        int64             `json:"canceled_at"`
	EndedAt           int64             `json:"ended_at"`
	Created           int64             `json:"created"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              *struct {
				ID        string `json:"id"`
				LookupKey string `json:"lookup_key"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// Snapshot converts the payload into the provider's snapshot form.
func (s Subscription) Snapshot() provider.Snapshot {
	snap := provider.Snapshot{
		SubscriptionRef:   s.ID,
		CustomerRef:       string(s.Customer),
		RawStatus:         s.Status,
		Status:            provider.MapStatus(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		CanceledAt:        provider.Unix(s.CanceledAt),
	}
	if created := provider.Unix(s.Created); created != nil {
		snap.Created = *created
	}
	var lookupKey, priceID string
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		snap.CurrentPeriodStart = provider.Unix(item.CurrentPeriodStart)
		snap.CurrentPeriodEnd = provider.Unix(item.CurrentPeriodEnd)
		if item.Price != nil {
			lookupKey = item.Price.LookupKey
			priceID = item.Price.ID
		}
	}
	snap.PlanID = provider.PlanFromPrice(s.Metadata, lookupKey, priceID)
	return snap
}

// Invoice is the data object of invoice.* events. Newer API versions move
// the subscription reference under parent.subscription_details.
type Invoice struct {
	ID            string            `json:"id" validate:"required"`
	Customer      ref               `json:"customer" validate:"required"`
	CustomerEmail string            `json:"customer_email"`
	Subscription  ref               `json:"subscription"`
	Metadata      map[string]string `json:"metadata"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription ref               `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionRef returns the subscription the invoice bills, if any.
func (i Invoice) SubscriptionRef() string {
	if i.Subscription != "" {
		return string(i.Subscription)
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return string(i.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// UserIdentity returns an explicit user_identity from the invoice or its
// subscription metadata.
func (i Invoice) UserIdentity() string {
	if v := i.Metadata["user_identity"]; v != "" {
		return v
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return i.Parent.SubscriptionDetails.Metadata["user_identity"]
	}
	return ""
}
