package store

import (
	"context"
	"database/sql"

	"github.com/PortNumber53/subsync/internal/models"
)

// RecordEvent adds a webhook delivery to the ledger. firstDelivery is false
// when the event id was already recorded. The ledger is an audit trail; it
// never gates processing.
func (s *Store) RecordEvent(ctx context.Context, eventID, eventType, user string) (bool, error) {
	query := `
INSERT INTO webhook_events (event_id, event_type, user_key, received_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (event_id) DO NOTHING`

	first := false
	err := s.withRetry(ctx, "record_event", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, eventID, eventType, models.NormalizeUserKey(user), s.now().UTC())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		first = n > 0
		return nil
	})
	if err != nil {
		return false, wrapf("record webhook event", err)
	}
	return first, nil
}

// ListEvents returns the most recent webhook deliveries for a user.
func (s *Store) ListEvents(ctx context.Context, user string, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}
	query := `
SELECT event_id, event_type, user_key, received_at
FROM webhook_events
WHERE user_key = $1
ORDER BY received_at DESC
LIMIT $2`

	var events []models.WebhookEvent
	err := s.withRetry(ctx, "list_events", func(ctx context.Context) error {
		events = events[:0]
		rows, err := s.db.QueryContext(ctx, query, models.NormalizeUserKey(user), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				ev       models.WebhookEvent
				received sql.NullTime
			)
			if err := rows.Scan(&ev.EventID, &ev.Type, &ev.UserKey, &received); err != nil {
				return err
			}
			if received.Valid {
				ev.ReceivedAt = received.Time
			}
			events = append(events, ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrapf("list webhook events", err)
	}
	return events, nil
}
