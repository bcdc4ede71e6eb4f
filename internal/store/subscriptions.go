package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/PortNumber53/subsync/internal/apperr"
	"github.com/PortNumber53/subsync/internal/models"
)

const (
	defaultPageSize    = 200
	subscriptionFields = `user_key, customer_ref, subscription_ref, session_ref, plan_id, status,
	cancel_at_period_end, canceled_at, current_period_start, current_period_end, created_at, updated_at`
)

// upsertQuery merges a patch into the row for user_key. NULL parameters leave
// the stored column untouched. The conflict branch only fires when the stored
// row is not newer than the patch, so replays and stale deliveries are no-ops.
const upsertQuery = `
INSERT INTO subscriptions (
	user_key, customer_ref, subscription_ref, session_ref, plan_id, status,
	cancel_at_period_end, canceled_at, current_period_start, current_period_end,
	created_at, updated_at
) VALUES (
	$1,
	COALESCE($2::text, ''),
	COALESCE($3::text, ''),
	$4::text,
	COALESCE($5::text, ''),
	COALESCE($6::text, 'active'),
	COALESCE($7::boolean, FALSE),
	CASE WHEN $8::boolean THEN NULL ELSE $9::timestamptz END,
	$10::timestamptz,
	$11::timestamptz,
	$12::timestamptz,
	$12::timestamptz
)
ON CONFLICT (user_key) DO UPDATE SET
	customer_ref = COALESCE($2::text, subscriptions.customer_ref),
	subscription_ref = COALESCE($3::text, subscriptions.subscription_ref),
	session_ref = COALESCE($4::text, subscriptions.session_ref),
	plan_id = COALESCE($5::text, subscriptions.plan_id),
	status = COALESCE($6::text, subscriptions.status),
	cancel_at_period_end = COALESCE($7::boolean, subscriptions.cancel_at_period_end),
	canceled_at = CASE WHEN $8::boolean THEN NULL ELSE COALESCE($9::timestamptz, subscriptions.canceled_at) END,
	current_period_start = COALESCE($10::timestamptz, subscriptions.current_period_start),
	current_period_end = COALESCE($11::timestamptz, subscriptions.current_period_end),
	updated_at = $12::timestamptz
WHERE subscriptions.updated_at <= $12::timestamptz
RETURNING user_key
`

// Upsert merges p into the user's record, creating it when absent. It is
// idempotent: applying the same patch twice leaves the same row. applied is
// false when the stored record is newer than p.
func (s *Store) Upsert(ctx context.Context, p models.SubscriptionPatch) (bool, error) {
	user := models.NormalizeUserKey(p.UserKey)
	if user == "" {
		return false, apperr.New(apperr.KindInvalidInput, "store.upsert", "user identity is required")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now().UTC()
	}

	var status *string
	if p.Status != nil {
		v := string(*p.Status)
		status = &v
	}

	applied := false
	err := s.withRetry(ctx, "upsert", func(ctx context.Context) error {
		var key string
		err := s.db.QueryRowContext(ctx, upsertQuery,
			user,
			p.CustomerRef,
			p.SubscriptionRef,
			p.SessionRef,
			p.PlanID,
			status,
			p.CancelAtPeriodEnd,
			p.ClearCanceledAt,
			p.CanceledAt,
			p.CurrentPeriodStart,
			p.CurrentPeriodEnd,
			p.UpdatedAt.UTC(),
		).Scan(&key)
		if errors.Is(err, sql.ErrNoRows) {
			applied = false
			return nil
		}
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, wrapf("upsert subscription", err)
	}
	return applied, nil
}

// Get returns the user's record, or nil when none exists. A missing record is
// the free tier, not an error.
func (s *Store) Get(ctx context.Context, user string) (*models.SubscriptionRecord, error) {
	user = models.NormalizeUserKey(user)
	query := `SELECT ` + subscriptionFields + ` FROM subscriptions WHERE user_key = $1`

	var rec *models.SubscriptionRecord
	err := s.withRetry(ctx, "get", func(ctx context.Context) error {
		r, err := scanRecord(s.db.QueryRowContext(ctx, query, user))
		if errors.Is(err, sql.ErrNoRows) {
			rec = nil
			return nil
		}
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, wrapf("get subscription", err)
	}
	return rec, nil
}

// GetByCustomerRef returns the most recently updated record holding the
// customer reference, or nil.
func (s *Store) GetByCustomerRef(ctx context.Context, customerRef string) (*models.SubscriptionRecord, error) {
	query := `SELECT ` + subscriptionFields + ` FROM subscriptions
WHERE customer_ref = $1
ORDER BY updated_at DESC
LIMIT 1`

	var rec *models.SubscriptionRecord
	err := s.withRetry(ctx, "get_by_customer", func(ctx context.Context) error {
		r, err := scanRecord(s.db.QueryRowContext(ctx, query, customerRef))
		if errors.Is(err, sql.ErrNoRows) {
			rec = nil
			return nil
		}
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, wrapf("get subscription by customer", err)
	}
	return rec, nil
}

const updateStatusQuery = `
UPDATE subscriptions
SET status = $2::text,
	canceled_at = CASE
		WHEN $2::text = 'canceled' THEN COALESCE($3::timestamptz, subscriptions.canceled_at, $4::timestamptz)
		ELSE subscriptions.canceled_at
	END,
	current_period_end = CASE
		WHEN $2::text = 'canceled' THEN subscriptions.current_period_end
		ELSE COALESCE($3::timestamptz, subscriptions.current_period_end)
	END,
	updated_at = $4::timestamptz
WHERE user_key = $1 AND updated_at <= $4::timestamptz
RETURNING user_key
`

// UpdateStatus performs a status-only transition. For canceled, endDate is
// the cancellation time; otherwise it moves the current period end. applied
// is false when the user has no record or the record is newer.
func (s *Store) UpdateStatus(ctx context.Context, user string, status models.Status, endDate *time.Time, updatedAt time.Time) (bool, error) {
	if !status.Valid() {
		return false, apperr.New(apperr.KindInvalidInput, "store.update_status", "unknown status "+string(status))
	}
	if updatedAt.IsZero() {
		updatedAt = s.now().UTC()
	}
	user = models.NormalizeUserKey(user)

	applied := false
	err := s.withRetry(ctx, "update_status", func(ctx context.Context) error {
		var key string
		err := s.db.QueryRowContext(ctx, updateStatusQuery, user, string(status), endDate, updatedAt.UTC()).Scan(&key)
		if errors.Is(err, sql.ErrNoRows) {
			applied = false
			return nil
		}
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, wrapf("update subscription status", err)
	}
	return applied, nil
}

// ListPeriodEnded returns users whose live subscription has a period end in
// the past. These are candidates for a missed deletion or renewal webhook.
func (s *Store) ListPeriodEnded(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}
	query := `
SELECT user_key
FROM subscriptions
WHERE status <> 'canceled'
  AND current_period_end IS NOT NULL
  AND current_period_end < $1
ORDER BY current_period_end ASC
LIMIT $2`

	var users []string
	err := s.withRetry(ctx, "list_period_ended", func(ctx context.Context) error {
		users = users[:0]
		rows, err := s.db.QueryContext(ctx, query, now.UTC(), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var user string
			if err := rows.Scan(&user); err != nil {
				return err
			}
			users = append(users, user)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrapf("list period-ended subscriptions", err)
	}
	return users, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.SubscriptionRecord, error) {
	var (
		rec         models.SubscriptionRecord
		status      string
		sessionRef  sql.NullString
		canceledAt  sql.NullTime
		periodStart sql.NullTime
		periodEnd   sql.NullTime
	)
	if err := row.Scan(
		&rec.UserKey,
		&rec.CustomerRef,
		&rec.SubscriptionRef,
		&sessionRef,
		&rec.PlanID,
		&status,
		&rec.CancelAtPeriodEnd,
		&canceledAt,
		&periodStart,
		&periodEnd,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = models.Status(status)
	rec.SessionRef = nullStringPtr(sessionRef)
	rec.CanceledAt = nullTimePtr(canceledAt)
	rec.CurrentPeriodStart = nullTimePtr(periodStart)
	rec.CurrentPeriodEnd = nullTimePtr(periodEnd)
	return &rec, nil
}
