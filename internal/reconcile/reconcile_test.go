package reconcile

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PortNumber53/subsync/internal/apperr"
	"github.com/PortNumber53/subsync/internal/bus"
	"github.com/PortNumber53/subsync/internal/cache"
	"github.com/PortNumber53/subsync/internal/engine"
	"github.com/PortNumber53/subsync/internal/models"
	"github.com/PortNumber53/subsync/internal/provider"
	"github.com/PortNumber53/subsync/internal/provider/providertest"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]*models.SubscriptionRecord
	// dropWrites acknowledges writes without storing them.
	dropWrites bool
	// vanish deletes the record right after a write.
	vanish bool
	ended  []string
}

func (s *memStore) Upsert(_ context.Context, p models.SubscriptionPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropWrites {
		return true, nil
	}
	defer func() {
		if s.vanish {
			delete(s.records, p.UserKey)
		}
	}()
	rec, ok := s.records[p.UserKey]
	if !ok {
		s.records[p.UserKey] = models.NewRecord(p)
		return true, nil
	}
	return rec.Apply(p), nil
}

func (s *memStore) Get(_ context.Context, user string) (*models.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[user].Clone(), nil
}

func (s *memStore) UpdateStatus(_ context.Context, user string, status models.Status, endDate *time.Time, updatedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[user]
	if !ok {
		return false, nil
	}
	p := models.SubscriptionPatch{UserKey: user, Status: models.StatusPtr(status), UpdatedAt: updatedAt}
	if endDate != nil {
		if status == models.StatusCanceled {
			p.CanceledAt = endDate
		} else {
			p.CurrentPeriodEnd = endDate
		}
	}
	return rec.Apply(p), nil
}

func (s *memStore) ListPeriodEnded(context.Context, time.Time, int) ([]string, error) {
	return s.ended, nil
}

func (s *memStore) put(rec *models.SubscriptionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.UserKey] = rec
}

type fixture struct {
	svc      *Service
	store    *memStore
	provider *providertest.Fake
	memory   *cache.MemoryTier
	engine   *engine.Engine
	clock    time.Time
}

var (
	periodStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	st := &memStore{records: make(map[string]*models.SubscriptionRecord)}
	mem := cache.NewMemoryTier(time.Minute)
	b := bus.New([]cache.Tier{mem}, nil, log)
	eng := engine.New(st, b, nil, log)
	fake := providertest.New()

	f := &fixture{
		store:    st,
		provider: fake,
		memory:   mem,
		engine:   eng,
		clock:    time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	f.svc = New(eng, fake, b.Tiers(), st, Config{VerifyAttempts: 3, VerifyDelay: time.Millisecond}, log)
	f.svc.now = f.tick
	fake.Now = f.tick
	return f
}

// tick advances the fixture clock by one second per call so successive
// writes are strictly ordered.
func (f *fixture) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fixture) seedActive(user, subRef string) {
	f.store.put(&models.SubscriptionRecord{
		UserKey:            user,
		CustomerRef:        "cus_abc",
		SubscriptionRef:    subRef,
		PlanID:             "pro",
		Status:             models.StatusActive,
		CurrentPeriodStart: models.Time(periodStart),
		CurrentPeriodEnd:   models.Time(periodEnd),
		CreatedAt:          periodStart,
		UpdatedAt:          periodStart,
	})
	f.provider.Put(provider.Snapshot{
		SubscriptionRef:    "sub_123",
		CustomerRef:        "cus_abc",
		RawStatus:          "active",
		Status:             models.StatusActive,
		PlanID:             "pro",
		CurrentPeriodStart: models.Time(periodStart),
		CurrentPeriodEnd:   models.Time(periodEnd),
		Created:            periodStart,
	})
}

func TestCancelAtPeriodEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedActive("a@example.com", "sub_123")

	res, err := f.svc.Cancel(ctx, "A@example.com", true)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Empty(t, res.Warning)
	require.NotNil(t, res.Record)
	assert.Equal(t, models.StatusActive, res.Record.Status)
	assert.True(t, res.Record.CancelAtPeriodEnd)
	assert.NotNil(t, res.Record.CanceledAt)
	assert.Equal(t, 1, f.provider.CallCount("cancel:sub_123"))
}

func TestCancelImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedActive("a@example.com", "sub_123")

	res, err := f.svc.Cancel(ctx, "a@example.com", false)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, models.StatusCanceled, res.Record.Status)

	view, err := f.svc.GetStatus(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.FreePlan, view.Plan)
}

func TestCancelThenReactivateEndsReactivated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedActive("a@example.com", "sub_123")

	_, err := f.svc.Cancel(ctx, "a@example.com", true)
	require.NoError(t, err)
	res, err := f.svc.Reactivate(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, res.Verified)

	rec, err := f.engine.Record(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, rec.Status)
	assert.False(t, rec.CancelAtPeriodEnd)
	assert.Nil(t, rec.CanceledAt)
}

func TestCancelRepairsLegacySubscriptionRef(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedActive("a@example.com", "cs_test_legacy")

	res, err := f.svc.Cancel(ctx, "a@example.com", true)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, 1, f.provider.CallCount("find:cus_abc"))
	assert.Equal(t, 1, f.provider.CallCount("cancel:sub_123"))
	assert.Equal(t, 0, f.provider.CallCount("cancel:cs_"))
	assert.Equal(t, "sub_123", res.Record.SubscriptionRef)
}

func TestLegacyRefWithoutCustomerIsMalformed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.put(&models.SubscriptionRecord{
		UserKey:         "a@example.com",
		SubscriptionRef: "cs_test_legacy",
		Status:          models.StatusActive,
	})

	_, err := f.svc.Cancel(ctx, "a@example.com", true)
	assert.True(t, apperr.Is(err, apperr.KindMalformedIdentifier))
	assert.Empty(t, f.provider.Calls)
}

func TestCancelWithoutRecordIsNotFound(t *testing.T) {
	_, err := newFixture(t).svc.Cancel(context.Background(), "nobody@example.com", true)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCancelRequiresUser(t *testing.T) {
	_, err := newFixture(t).svc.Cancel(context.Background(), " ", true)
	assert.True(t, apperr.Is(err, apperr.KindInvalidInput))
}

func TestProviderAuthFailureLeavesRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedActive("a@example.com", "sub_123")
	f.provider.Err = apperr.New(apperr.KindProviderAuth, "provider.cancel", "invalid api key")

	_, err := f.svc.Cancel(ctx, "a@example.com", true)
	assert.True(t, apperr.Is(err, apperr.KindProviderAuth))

	rec, err := f.engine.Record(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, rec.CancelAtPeriodEnd)
}

func TestUnconfirmedCancelIsWarning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedActive("a@example.com", "sub_123")
	f.store.dropWrites = true

	res, err := f.svc.Cancel(ctx, "a@example.com", true)
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Contains(t, res.Warning, string(apperr.KindVerificationTimeout))
	assert.True(t, f.provider.Subs["sub_123"].CancelAtPeriodEnd)
}

func TestMissingAfterCancelIsVerificationTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedActive("a@example.com", "sub_123")
	f.store.vanish = true

	res, err := f.svc.Cancel(ctx, "a@example.com", false)
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Nil(t, res.Record)
	assert.True(t, strings.Contains(res.Warning, "could not be found"))
}

func TestRefreshRepairsStatusDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedActive("a@example.com", "sub_123")
	f.store.records["a@example.com"].Status = models.StatusPastDue

	res, err := f.svc.Refresh(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, res.Repaired)
	assert.True(t, res.Verified)
	assert.Equal(t, models.StatusActive, res.Record.Status)
}

func TestRefreshRepairsPlanDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedActive("a@example.com", "sub_123")
	snap := f.provider.Subs["sub_123"]
	snap.PlanID = "team"
	f.provider.Put(snap)

	res, err := f.svc.Refresh(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, res.Repaired)
	assert.Equal(t, "team", res.Record.PlanID)
}

func TestRefreshWithoutDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedActive("a@example.com", "sub_123")

	_, err := f.svc.GetStatus(ctx, "a@example.com")
	require.NoError(t, err)
	require.Equal(t, 1, f.memory.Len())

	res, err := f.svc.Refresh(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, res.Repaired)
	assert.True(t, res.Verified)
	assert.Equal(t, 0, f.memory.Len())
}

func TestCheckCacheInvalidatesMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedActive("a@example.com", "sub_123")

	_, err := f.svc.GetStatus(ctx, "a@example.com")
	require.NoError(t, err)

	report, err := f.svc.CheckCache(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Empty(t, report.Stale)
	assert.False(t, report.Invalidated)

	// A write that bypassed invalidation.
	f.store.records["a@example.com"].Apply(models.SubscriptionPatch{
		Status:    models.StatusPtr(models.StatusUnpaid),
		UpdatedAt: periodStart.Add(time.Hour),
	})

	report, err = f.svc.CheckCache(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"memory"}, report.Stale)
	assert.True(t, report.Invalidated)

	view, err := f.svc.GetStatus(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnpaid, view.Status)
	assert.Equal(t, models.SourceStore, view.Source)
}

func TestSweepRefreshesEndedPeriods(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedActive("a@example.com", "sub_123")
	snap := f.provider.Subs["sub_123"]
	snap.Status = models.StatusCanceled
	snap.RawStatus = "canceled"
	snap.CanceledAt = models.Time(periodEnd)
	f.provider.Put(snap)
	f.store.ended = []string{"a@example.com", "gone@example.com"}

	report, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Checked: 2, Repaired: 1}, report)

	rec, err := f.engine.Record(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, rec.Status)
}
