package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/PortNumber53/subsync/internal/apperr"
	"github.com/PortNumber53/subsync/internal/models"
	"github.com/PortNumber53/subsync/internal/reconcile"
	"github.com/PortNumber53/subsync/internal/webhook"
)

type stubReconciler struct {
	lastUser        string
	lastAtPeriodEnd bool
	result          reconcile.Result
	report          reconcile.CacheReport
	err             error
}

func (s *stubReconciler) GetStatus(ctx context.Context, user string) (models.StatusView, error) {
	s.lastUser = user
	if s.err != nil {
		return models.StatusView{}, s.err
	}
	return models.StatusView{UserKey: user, Plan: "pro", Status: models.StatusActive, Active: true, Source: models.SourceMemory}, nil
}

func (s *stubReconciler) Cancel(ctx context.Context, user string, atPeriodEnd bool) (reconcile.Result, error) {
	s.lastUser = user
	s.lastAtPeriodEnd = atPeriodEnd
	return s.result, s.err
}

func (s *stubReconciler) Reactivate(ctx context.Context, user string) (reconcile.Result, error) {
	s.lastUser = user
	return s.result, s.err
}

func (s *stubReconciler) Refresh(ctx context.Context, user string) (reconcile.Result, error) {
	s.lastUser = user
	return s.result, s.err
}

func (s *stubReconciler) CheckCache(ctx context.Context, user string) (reconcile.CacheReport, error) {
	s.lastUser = user
	return s.report, s.err
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestSubscriptionStatusHandler(t *testing.T) {
	svc := &stubReconciler{}
	rr := serve(SubscriptionStatus(svc, zap.NewNop()), http.MethodGet, "/api/billing/subscription?user=a@example.com", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if svc.lastUser != "a@example.com" {
		t.Fatalf("expected user a@example.com got %q", svc.lastUser)
	}
	var view models.StatusView
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.Plan != "pro" || !view.Active {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestSubscriptionStatusRejectsWrongMethod(t *testing.T) {
	rr := serve(SubscriptionStatus(&stubReconciler{}, zap.NewNop()), http.MethodPost, "/api/billing/subscription", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 got %d", rr.Code)
	}
}

func TestCancelDefaultsToPeriodEnd(t *testing.T) {
	svc := &stubReconciler{result: reconcile.Result{UserKey: "a@example.com", Verified: true}}
	rr := serve(CancelSubscription(svc, zap.NewNop()), http.MethodPost, "/api/billing/cancel", `{"user":"a@example.com"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if !svc.lastAtPeriodEnd {
		t.Fatal("expected at_period_end to default to true")
	}

	rr = serve(CancelSubscription(svc, zap.NewNop()), http.MethodPost, "/api/billing/cancel", `{"user":"a@example.com","at_period_end":false}`)
	if rr.Code != http.StatusOK || svc.lastAtPeriodEnd {
		t.Fatalf("expected immediate cancel, got status %d at_period_end=%v", rr.Code, svc.lastAtPeriodEnd)
	}
}

func TestCancelWarningIsNotFailure(t *testing.T) {
	svc := &stubReconciler{result: reconcile.Result{UserKey: "a@example.com", Warning: "could not be confirmed"}}
	rr := serve(CancelSubscription(svc, zap.NewNop()), http.MethodPost, "/api/billing/cancel", `{"user":"a@example.com"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	var res reconcile.Result
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Warning == "" || res.Verified {
		t.Fatalf("expected unverified result with warning, got %+v", res)
	}
}

func TestLifecycleErrorStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"malformed", apperr.New(apperr.KindMalformedIdentifier, "reconcile.cancel", "bad ref"), http.StatusUnprocessableEntity},
		{"invalid input", apperr.New(apperr.KindInvalidInput, "reconcile.cancel", "user identity is required"), http.StatusBadRequest},
		{"not found", apperr.New(apperr.KindNotFound, "reconcile.cancel", "no subscription"), http.StatusNotFound},
		{"provider auth", apperr.New(apperr.KindProviderAuth, "provider.cancel", "check STRIPE_SECRET_KEY"), http.StatusBadGateway},
		{"store down", apperr.New(apperr.KindTransientStore, "store.get", "connection refused"), http.StatusServiceUnavailable},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubReconciler{err: tt.err}
			rr := serve(ReactivateSubscription(svc, zap.NewNop()), http.MethodPost, "/api/billing/reactivate", `{"user":"a@example.com"}`)
			if rr.Code != tt.want {
				t.Fatalf("expected %d got %d", tt.want, rr.Code)
			}
			var body errorBody
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if body.Kind != apperr.KindOf(tt.err) {
				t.Fatalf("expected kind %s got %s", apperr.KindOf(tt.err), body.Kind)
			}
		})
	}
}

func TestRefreshRejectsBadJSON(t *testing.T) {
	rr := serve(RefreshSubscription(&stubReconciler{}, zap.NewNop()), http.MethodPost, "/api/billing/refresh", `{"usr":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestCheckSubscriptionCache(t *testing.T) {
	svc := &stubReconciler{report: reconcile.CacheReport{UserKey: "a@example.com", Stale: []string{"memory"}, Invalidated: true}}
	rr := serve(CheckSubscriptionCache(svc, zap.NewNop()), http.MethodPost, "/api/billing/check-cache", `{"user":"a@example.com"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if svc.lastUser != "a@example.com" {
		t.Fatalf("expected user a@example.com got %q", svc.lastUser)
	}
	var report reconcile.CacheReport
	if err := json.NewDecoder(rr.Body).Decode(&report); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !report.Invalidated || len(report.Stale) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	svc.err = apperr.New(apperr.KindTransientStore, "store.get", "connection refused")
	rr = serve(CheckSubscriptionCache(svc, zap.NewNop()), http.MethodPost, "/api/billing/check-cache", `{"user":"a@example.com"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rr.Code)
	}
}

type stubDecoder struct {
	ev  webhook.Event
	err error
	sig string
}

func (d *stubDecoder) Decode(payload []byte, sig string) (webhook.Event, error) {
	d.sig = sig
	return d.ev, d.err
}

type stubProcessor struct {
	out   webhook.Outcome
	err   error
	calls int
}

func (p *stubProcessor) Process(ctx context.Context, ev webhook.Event) (webhook.Outcome, error) {
	p.calls++
	return p.out, p.err
}

func TestStripeWebhookResponses(t *testing.T) {
	checkout := &webhook.CheckoutCompleted{Meta: webhook.Meta{ID: "evt_1", Type: webhook.TypeCheckoutCompleted}}
	tests := []struct {
		name       string
		decoder    *stubDecoder
		processErr error
		want       int
		wantStatus string
		processed  bool
	}{
		{"bad signature", &stubDecoder{err: apperr.Wrapf(apperr.KindInvalidInput, "webhook.decode", webhook.ErrBadSignature, "signature verification failed")}, nil, http.StatusBadRequest, "invalid", false},
		{"invalid object", &stubDecoder{err: apperr.New(apperr.KindInvalidInput, "webhook.decode", "invalid customer.subscription.updated object")}, nil, http.StatusOK, "rejected", false},
		{"unhandled type", &stubDecoder{ev: webhook.Meta{ID: "evt_2", Type: "customer.created"}, err: webhook.ErrUnhandledType}, nil, http.StatusOK, "ignored", false},
		{"applied", &stubDecoder{ev: checkout}, nil, http.StatusOK, "ok", true},
		{"malformed identifier", &stubDecoder{ev: checkout}, apperr.New(apperr.KindMalformedIdentifier, "ident.subscription_ref", "cs_xyz"), http.StatusOK, "rejected", true},
		{"unknown user", &stubDecoder{ev: checkout}, apperr.New(apperr.KindNotFound, "webhook.resolve", "no user"), http.StatusOK, "ignored", true},
		{"store down", &stubDecoder{ev: checkout}, apperr.New(apperr.KindTransientStore, "store.upsert", "down"), http.StatusServiceUnavailable, "error", true},
		{"provider down", &stubDecoder{ev: checkout}, apperr.New(apperr.KindProviderUnavailable, "provider.get_customer", "timeout"), http.StatusServiceUnavailable, "error", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &stubProcessor{out: webhook.Outcome{EventID: "evt_1", Action: webhook.ActionApplied}, err: tt.processErr}
			h := StripeWebhook(tt.decoder, proc, zap.NewNop())

			req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(`{}`))
			req.Header.Set("Stripe-Signature", "t=1,v1=abc")
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Fatalf("expected %d got %d", tt.want, rr.Code)
			}
			var body webhookResponse
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Fatalf("expected status %q got %q", tt.wantStatus, body.Status)
			}
			if (proc.calls == 1) != tt.processed {
				t.Fatalf("expected processed=%v, got %d calls", tt.processed, proc.calls)
			}
			if tt.decoder.sig != "t=1,v1=abc" {
				t.Fatalf("signature header not passed to decoder: %q", tt.decoder.sig)
			}
		})
	}
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	rr := serve(Health(map[string]Pinger{"database": stubPinger{}}), http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}

	rr = serve(Health(map[string]Pinger{"database": stubPinger{}, "redis": stubPinger{err: errors.New("dial tcp: refused")}}), http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "redis") {
		t.Fatalf("expected failing dependency in body: %s", rr.Body.String())
	}
}
