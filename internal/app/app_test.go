package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PortNumber53/subsync/internal/bus"
	"github.com/PortNumber53/subsync/internal/config"
	"github.com/PortNumber53/subsync/internal/provider/providertest"
)

func newTestApp(t *testing.T) (*App, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := config.Config{
		ServerAddress:   ":0",
		DatabaseURL:     "postgres://localhost/subsync",
		CacheTTL:        time.Minute,
		StoreRetries:    1,
		StoreRetryDelay: time.Millisecond,
		VerifyAttempts:  1,
		VerifyDelay:     time.Millisecond,
		ReplaySchedule:  "@every 1m",
		SweepSchedule:   "",
	}
	a, err := New(cfg, db, rdb, zap.NewNop(), WithProvider(providertest.New()))
	require.NoError(t, err)
	return a, mock
}

func TestNewWiresJobsAndRoutes(t *testing.T) {
	a, _ := newTestApp(t)

	assert.Equal(t, []string{JobReplay, JobSweep}, a.Worker.Names())
	assert.False(t, a.Worker.NextRun(JobSweep).After(time.Time{}), "sweep has no schedule")
	assert.Len(t, a.Bus.Tiers(), 2)

	rr := httptest.NewRecorder()
	a.Server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	body := `{"id":"evt_1","object":"event","type":"customer.created","created":1700000000,"data":{"object":{}}}`
	rr = httptest.NewRecorder()
	a.Server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ignored")
}

func TestReplayJobWithEmptyOfflineStore(t *testing.T) {
	a, _ := newTestApp(t)
	require.NoError(t, a.Worker.RunNow(JobReplay))
	assert.Equal(t, int64(1), a.Worker.GetStats().JobsSucceeded)
}

func TestWarmOnNotifyFillsCache(t *testing.T) {
	a, mock := newTestApp(t)
	mock.ExpectQuery(`SELECT .+ FROM subscriptions WHERE user_key = \$1`).
		WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"user_key"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	unsubscribe := a.WarmOnNotify(ctx)
	defer unsubscribe()

	require.NoError(t, a.Bus.Invalidate(ctx, "A@Example.com", "test", true))

	mem := a.Bus.Tiers()[0]
	require.Eventually(t, func() bool {
		_, ok, _ := mem.Get(ctx, bus.Key(bus.KindStatus, "a@example.com"))
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInspectListsRecentDeliveries(t *testing.T) {
	a, mock := newTestApp(t)
	received := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT .+ FROM subscriptions WHERE user_key = \$1`).
		WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"user_key"}))
	mock.ExpectQuery(`SELECT event_id, event_type, user_key, received_at\s+FROM webhook_events`).
		WithArgs("a@example.com", 20).
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "event_type", "user_key", "received_at"}).
			AddRow("evt_1", "invoice.paid", "a@example.com", received))

	report, err := a.Inspect(context.Background(), "A@example.com", 20)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", report.View.UserKey)
	require.Len(t, report.Events, 1)
	assert.Equal(t, "evt_1", report.Events[0].EventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
