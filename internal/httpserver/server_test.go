package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PortNumber53/subsync/internal/config"
	"github.com/PortNumber53/subsync/internal/handlers"
	"github.com/PortNumber53/subsync/internal/models"
	"github.com/PortNumber53/subsync/internal/reconcile"
)

type stubReconciler struct{}

func (stubReconciler) GetStatus(ctx context.Context, user string) (models.StatusView, error) {
	return models.StatusView{UserKey: user, Plan: models.FreePlan, Source: models.SourceStore}, nil
}

func (stubReconciler) Cancel(ctx context.Context, user string, atPeriodEnd bool) (reconcile.Result, error) {
	return reconcile.Result{UserKey: user, Verified: true}, nil
}

func (stubReconciler) Reactivate(ctx context.Context, user string) (reconcile.Result, error) {
	return reconcile.Result{UserKey: user, Verified: true}, nil
}

func (stubReconciler) Refresh(ctx context.Context, user string) (reconcile.Result, error) {
	return reconcile.Result{UserKey: user, Verified: true}, nil
}

func (stubReconciler) CheckCache(ctx context.Context, user string) (reconcile.CacheReport, error) {
	return reconcile.CacheReport{UserKey: user}, nil
}

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

func TestHealthRoute(t *testing.T) {
	cfg := config.Config{ServerAddress: ":0"}
	server := New(cfg, Deps{Health: map[string]handlers.Pinger{"database": okPinger{}}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	server := New(config.Config{ServerAddress: ":0"}, Deps{})

	// one request first so the request counter has a sample to export
	server.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "subsync_http_requests_total") {
		t.Fatal("expected request counter in metrics output")
	}
}

func TestBillingRoutes(t *testing.T) {
	server := New(config.Config{ServerAddress: ":0"}, Deps{Reconciler: stubReconciler{}})

	req := httptest.NewRequest(http.MethodGet, "/api/billing/subscription?user=a@example.com", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/billing/cancel", strings.NewReader(`{"user":"a@example.com"}`))
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/billing/check-cache", strings.NewReader(`{"user":"a@example.com"}`))
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from check-cache got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/billing/cancel", nil)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 got %d", rr.Code)
	}
}

func TestWebhookRouteDisabledWithoutDecoder(t *testing.T) {
	server := New(config.Config{ServerAddress: ":0"}, Deps{})

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

func TestWriteTimeoutCoversRetryBudgets(t *testing.T) {
	cfg := config.Config{
		ServerAddress:   ":0",
		StoreRetries:    3,
		StoreRetryDelay: time.Second,
		VerifyAttempts:  3,
		VerifyDelay:     time.Second,
	}
	// 15s base + 3 x (1+2+3)s retries + (1+2)s verification
	if got := WriteTimeout(cfg); got != 36*time.Second {
		t.Fatalf("expected 36s got %s", got)
	}
	if got := WriteTimeout(config.Config{}); got != 15*time.Second {
		t.Fatalf("expected base timeout without retries, got %s", got)
	}

	server := New(cfg, Deps{})
	if server.httpServer.WriteTimeout != 36*time.Second {
		t.Fatalf("server not using sized timeout: %s", server.httpServer.WriteTimeout)
	}
}
