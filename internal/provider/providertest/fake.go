// Package providertest provides an in-memory payment provider for tests.
package providertest

import (
	"context"
	"sync"
	"time"

	"github.com/PortNumber53/subsync/internal/apperr"
	"github.com/PortNumber53/subsync/internal/ident"
	"github.com/PortNumber53/subsync/internal/models"
	"github.com/PortNumber53/subsync/internal/provider"
)

// Fake is a provider.Client backed by a map of subscriptions.
type Fake struct {
	mu        sync.Mutex
	Subs      map[string]provider.Snapshot
	Customers map[string]string
	// Err, when set, is returned by every lifecycle call.
	Err   error
	Calls []string
	Now   func() time.Time
}

var _ provider.Client = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Subs:      make(map[string]provider.Snapshot),
		Customers: make(map[string]string),
		Now:       time.Now,
	}
}

// Put stores a subscription snapshot.
func (f *Fake) Put(s provider.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Subs[s.SubscriptionRef] = s
}

func (f *Fake) record(call string) {
	f.Calls = append(f.Calls, call)
}

func (f *Fake) lookup(op, ref string) (provider.Snapshot, error) {
	if err := ident.RequireSubscription(ref); err != nil {
		return provider.Snapshot{}, err
	}
	if f.Err != nil {
		return provider.Snapshot{}, f.Err
	}
	s, ok := f.Subs[ref]
	if !ok {
		return provider.Snapshot{}, apperr.New(apperr.KindNotFound, "provider."+op, "no such subscription "+ref)
	}
	return s, nil
}

func (f *Fake) Cancel(_ context.Context, ref string, atPeriodEnd bool) (*provider.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("cancel:" + ref)
	s, err := f.lookup("cancel", ref)
	if err != nil {
		return nil, err
	}
	now := f.Now().UTC().Truncate(time.Second)
	s.CanceledAt = &now
	if atPeriodEnd {
		s.CancelAtPeriodEnd = true
	} else {
		s.Status = models.StatusCanceled
		s.RawStatus = "canceled"
	}
	f.Subs[ref] = s
	return &s, nil
}

func (f *Fake) Reactivate(_ context.Context, ref string) (*provider.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("reactivate:" + ref)
	s, err := f.lookup("reactivate", ref)
	if err != nil {
		return nil, err
	}
	if s.Status == models.StatusCanceled {
		return nil, apperr.New(apperr.KindProviderRejected, "provider.reactivate", "subscription is canceled")
	}
	s.CancelAtPeriodEnd = false
	s.CanceledAt = nil
	f.Subs[ref] = s
	return &s, nil
}

func (f *Fake) GetSubscription(_ context.Context, ref string) (*provider.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("get:" + ref)
	s, err := f.lookup("get_subscription", ref)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (f *Fake) FindSubscriptionsByCustomer(_ context.Context, customerRef string) ([]provider.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("find:" + customerRef)
	if err := ident.RequireCustomer(customerRef); err != nil {
		return nil, err
	}
	if f.Err != nil {
		return nil, f.Err
	}
	var out []provider.Snapshot
	for _, s := range f.Subs {
		if s.CustomerRef == customerRef {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *Fake) CustomerIdentity(_ context.Context, customerRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("customer:" + customerRef)
	if user, ok := f.Customers[customerRef]; ok {
		return user, nil
	}
	return "", apperr.New(apperr.KindNotFound, "provider.get_customer", "no such customer "+customerRef)
}

// CallCount returns how many recorded calls start with prefix.
func (f *Fake) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}
