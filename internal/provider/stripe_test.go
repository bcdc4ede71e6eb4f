package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PortNumber53/subsync/internal/apperr"
	"github.com/PortNumber53/subsync/internal/models"
	"github.com/PortNumber53/subsync/internal/retry"
)

const subscriptionJSON = `{
  "id": "sub_123",
  "object": "subscription",
  "customer": "cus_abc",
  "status": "%s",
  "cancel_at_period_end": %s,
  "canceled_at": %s,
  "created": 1735689600,
  "metadata": {},
  "items": {
    "object": "list",
    "data": [{
      "id": "si_1",
      "object": "subscription_item",
      "current_period_start": 1740787200,
      "current_period_end": 1743465600,
      "price": {"id": "price_pro_monthly", "object": "price", "lookup_key": "pro"}
    }]
  }
}`

func subscriptionBody(status, cancelAtPeriodEnd, canceledAt string) string {
	return fmt.Sprintf(subscriptionJSON, status, cancelAtPeriodEnd, canceledAt)
}

func newTestStripe(t *testing.T, handler http.HandlerFunc) *Stripe {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewStripe(StripeConfig{
		SecretKey: "sk_test_123",
		APIURL:    srv.URL,
		Retry:     retry.Policy{Retries: 2, BaseDelay: time.Millisecond},
	}, zaptest.NewLogger(t))
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestCancelAtPeriodEnd(t *testing.T) {
	var idemKey atomic.Value
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/subscriptions/sub_123", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "true", r.PostForm.Get("cancel_at_period_end"))
		idemKey.Store(r.Header.Get("Idempotency-Key"))
		writeJSON(w, http.StatusOK, subscriptionBody("active", "true", "1740873600"))
	})

	snap, err := s.Cancel(context.Background(), "sub_123", true)
	require.NoError(t, err)
	assert.NotEmpty(t, idemKey.Load())
	assert.Equal(t, models.StatusActive, snap.Status)
	assert.True(t, snap.CancelAtPeriodEnd)
	require.NotNil(t, snap.CanceledAt)
	assert.Equal(t, "cus_abc", snap.CustomerRef)
	assert.Equal(t, "pro", snap.PlanID)
	require.NotNil(t, snap.CurrentPeriodEnd)
	assert.Equal(t, time.Unix(1743465600, 0).UTC(), *snap.CurrentPeriodEnd)
}

func TestCancelImmediately(t *testing.T) {
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/subscriptions/sub_123", r.URL.Path)
		writeJSON(w, http.StatusOK, subscriptionBody("canceled", "false", "1740873600"))
	})

	snap, err := s.Cancel(context.Background(), "sub_123", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, snap.Status)
}

func TestCancelRejectsSessionIdentifier(t *testing.T) {
	var calls int32
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	_, err := s.Cancel(context.Background(), "cs_test_abc", true)
	assert.True(t, apperr.Is(err, apperr.KindMalformedIdentifier))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestReactivate(t *testing.T) {
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "false", r.PostForm.Get("cancel_at_period_end"))
		writeJSON(w, http.StatusOK, subscriptionBody("active", "false", "null"))
	})

	snap, err := s.Reactivate(context.Background(), "sub_123")
	require.NoError(t, err)
	assert.False(t, snap.CancelAtPeriodEnd)
	assert.Nil(t, snap.CanceledAt)

	patch := snap.Patch("a@example.com", time.Now())
	assert.True(t, patch.ClearCanceledAt)
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   apperr.Kind
		calls  int32
	}{
		{"unauthorized", http.StatusUnauthorized, apperr.KindProviderAuth, 1},
		{"not found", http.StatusNotFound, apperr.KindNotFound, 1},
		{"bad request", http.StatusBadRequest, apperr.KindProviderRejected, 1},
		{"server error", http.StatusInternalServerError, apperr.KindProviderUnavailable, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				writeJSON(w, tt.status, `{"error":{"type":"invalid_request_error","message":"nope","code":"resource_missing"}}`)
			})

			_, err := s.GetSubscription(context.Background(), "sub_123")
			require.Error(t, err)
			assert.Equal(t, tt.want, apperr.KindOf(err))
			assert.Equal(t, tt.calls, atomic.LoadInt32(&calls))
		})
	}
}

func TestFindSubscriptionsByCustomer(t *testing.T) {
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/subscriptions", r.URL.Path)
		assert.Equal(t, "cus_abc", r.URL.Query().Get("customer"))
		assert.Equal(t, "all", r.URL.Query().Get("status"))
		writeJSON(w, http.StatusOK, `{"object":"list","url":"/v1/subscriptions","has_more":false,"data":[`+
			subscriptionBody("active", "false", "null")+`]}`)
	})

	snaps, err := s.FindSubscriptionsByCustomer(context.Background(), "cus_abc")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "sub_123", snaps[0].SubscriptionRef)
}

func TestCustomerIdentity(t *testing.T) {
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/customers/cus_abc", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"id":"cus_abc","object":"customer","email":"Buyer@Example.com","metadata":{}}`)
	})

	user, err := s.CustomerIdentity(context.Background(), "cus_abc")
	require.NoError(t, err)
	assert.Equal(t, "Buyer@Example.com", user)
}

func TestMapStatus(t *testing.T) {
	tests := map[string]models.Status{
		"active":             models.StatusActive,
		"trialing":           models.StatusActive,
		"past_due":           models.StatusPastDue,
		"incomplete":         models.StatusPastDue,
		"unpaid":             models.StatusUnpaid,
		"paused":             models.StatusUnpaid,
		"canceled":           models.StatusCanceled,
		"incomplete_expired": models.StatusCanceled,
	}
	for raw, want := range tests {
		assert.Equal(t, want, MapStatus(raw), raw)
	}
}

func TestPlanFromPrice(t *testing.T) {
	assert.Equal(t, "team", PlanFromPrice(map[string]string{"plan_id": "team"}, "pro", "price_1"))
	assert.Equal(t, "pro", PlanFromPrice(nil, "pro", "price_1"))
	assert.Equal(t, "price_1", PlanFromPrice(nil, "", "price_1"))
}
