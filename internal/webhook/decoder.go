package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/PortNumber53/subsync/internal/apperr"
)

// Decoder verifies and decodes webhook deliveries.
type Decoder struct {
	secret    string
	tolerance time.Duration
	validate  *validator.Validate
}

// NewDecoder returns a Decoder that checks signatures against secret. An
// empty secret disables verification, which is only meant for local
// development against stripe-mock.
func NewDecoder(secret string) *Decoder {
	return &Decoder{
		secret:    secret,
		tolerance: webhook.DefaultTolerance,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Verifies reports whether Decode checks signatures.
func (d *Decoder) Verifies() bool { return d.secret != "" }

// Decode verifies the signature header and decodes payload into one of the
// typed events. Unknown types return ErrUnhandledType together with the
// envelope so callers can log it.
func (d *Decoder) Decode(payload []byte, signatureHeader string) (Event, error) {
	const op = "webhook.decode"

	var evt stripe.Event
	if d.secret != "" {
		var err error
		evt, err = webhook.ConstructEventWithOptions(payload, signatureHeader, d.secret, webhook.ConstructEventOptions{
			Tolerance:                d.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			return nil, apperr.Wrapf(apperr.KindInvalidInput, op, fmt.Errorf("%w: %w", ErrBadSignature, err), "signature verification failed")
		}
	} else if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, apperr.Wrapf(apperr.KindInvalidInput, op, err, "invalid event payload")
	}

	meta := Meta{
		ID:       evt.ID,
		Type:     string(evt.Type),
		Livemode: evt.Livemode,
	}
	if evt.Created > 0 {
		meta.Created = time.Unix(evt.Created, 0).UTC()
	}
	if err := d.validate.Struct(meta); err != nil {
		return nil, apperr.Wrapf(apperr.KindInvalidInput, op, err, "invalid event envelope")
	}
	if meta.Created.IsZero() {
		return nil, apperr.New(apperr.KindInvalidInput, op, "event "+meta.ID+" has no created timestamp")
	}

	var raw []byte
	if evt.Data != nil {
		raw = evt.Data.Raw
	}

	var ev Event
	var obj any
	switch meta.Type {
	case TypeCheckoutCompleted:
		e := &CheckoutCompleted{Meta: meta}
		ev, obj = e, &e.Session
	case TypeSubscriptionCreated:
		e := &SubscriptionCreated{Meta: meta}
		ev, obj = e, &e.Subscription
	case TypeSubscriptionUpdated:
		e := &SubscriptionUpdated{Meta: meta}
		ev, obj = e, &e.Subscription
	case TypeSubscriptionDeleted:
		e := &SubscriptionDeleted{Meta: meta}
		ev, obj = e, &e.Subscription
	case TypeInvoicePaid, TypeInvoicePaymentSucceeded:
		e := &InvoicePaid{Meta: meta}
		ev, obj = e, &e.Invoice
	case TypeInvoicePaymentFailed:
		e := &InvoicePaymentFailed{Meta: meta}
		ev, obj = e, &e.Invoice
	default:
		return meta, ErrUnhandledType
	}

	if len(raw) == 0 {
		return nil, apperr.New(apperr.KindInvalidInput, op, "event "+meta.ID+" has no data object")
	}
	if err := json.Unmarshal(raw, obj); err != nil {
		return nil, apperr.Wrapf(apperr.KindInvalidInput, op, err, "decode %s object", meta.Type)
	}
	if err := d.validate.Struct(obj); err != nil {
		return nil, apperr.Wrapf(apperr.KindInvalidInput, op, err, "invalid %s object", meta.Type)
	}
	return ev, nil
}

// describe renders an event for logs.
func describe(ev Event) string {
	m := ev.Envelope()
	return fmt.Sprintf("%s (%s)", m.ID, m.Type)
}
