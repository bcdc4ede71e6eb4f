// Package ident classifies payment-provider identifiers by structural shape.
//
// Stripe issues customer ("cus_"), subscription ("sub_") and checkout-session
// ("cs_", including "cs_test_" and "cs_live_") identifiers that are all plain
// strings. Storing the wrong class in a record field breaks every later
// lifecycle call, so every write path classifies identifiers before they
// reach the store.
package ident

import (
	"fmt"
	"strings"

	"github.com/PortNumber53/subsync/internal/apperr"
	"github.com/PortNumber53/subsync/internal/models"
)

// Kind is the role an identifier plays.
type Kind int

const (
	Invalid Kind = iota
	Customer
	Subscription
	Session
)

func (k Kind) String() string {
	switch k {
	case Customer:
		return "customer"
	case Subscription:
		return "subscription"
	case Session:
		return "session"
	default:
		return "invalid"
	}
}

const (
	prefixCustomer     = "cus_"
	prefixSubscription = "sub_"
	prefixSession      = "cs_"
)

// Classify returns the identifier class of id. It never fails; anything that
// does not match a known shape is Invalid.
func Classify(id string) Kind {
	switch {
	case hasBody(id, prefixCustomer):
		return Customer
	case hasBody(id, prefixSubscription):
		return Subscription
	case hasBody(id, prefixSession):
		return Session
	default:
		return Invalid
	}
}

func hasBody(id, prefix string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	body := id[len(prefix):]
	if body == "" {
		return false
	}
	for _, r := range body {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

// Require returns a MalformedIdentifier error unless id classifies as want.
func Require(field, id string, want Kind) error {
	got := Classify(id)
	if got == want {
		return nil
	}
	return apperr.New(apperr.KindMalformedIdentifier, "ident."+field,
		fmt.Sprintf("%s %q classifies as %s, expected %s", field, id, got, want))
}

// RequireCustomer checks a customer reference.
func RequireCustomer(id string) error { return Require("customer_ref", id, Customer) }

// RequireSubscription checks a subscription reference.
func RequireSubscription(id string) error { return Require("subscription_ref", id, Subscription) }

// RequireSession checks a checkout-session reference.
func RequireSession(id string) error { return Require("session_ref", id, Session) }

// ValidatePatch gates a write: every identifier present in the patch must
// classify as the role of the field it is stored in.
func ValidatePatch(p models.SubscriptionPatch) error {
	if p.CustomerRef != nil {
		if err := RequireCustomer(*p.CustomerRef); err != nil {
			return err
		}
	}
	if p.SubscriptionRef != nil {
		if err := RequireSubscription(*p.SubscriptionRef); err != nil {
			return err
		}
	}
	if p.SessionRef != nil {
		if err := RequireSession(*p.SessionRef); err != nil {
			return err
		}
	}
	return nil
}
