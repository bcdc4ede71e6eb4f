package models

import "time"

// Source identifies where a StatusView was read from.
type Source string

const (
	SourceMemory  Source = "memory"
	SourceRedis   Source = "redis"
	SourceStore   Source = "store"
	SourceOffline Source = "offline"
)

// CacheEntry is a non-authoritative copy of a record held by a cache tier.
// A nil Record caches the "no subscription" answer.
type CacheEntry struct {
	Record    *SubscriptionRecord `json:"record,omitempty"`
	FetchedAt time.Time           `json:"fetched_at"`
	// Version is the record's UpdatedAt in unix nanoseconds, zero when Record is nil.
	Version  int64 `json:"version"`
	Unsynced bool  `json:"unsynced,omitempty"`
}

// NewCacheEntry wraps a store read for caching.
func NewCacheEntry(rec *SubscriptionRecord, fetchedAt time.Time) CacheEntry {
	e := CacheEntry{Record: rec.Clone(), FetchedAt: fetchedAt}
	if rec != nil {
		e.Version = rec.UpdatedAt.UnixNano()
	}
	return e
}

// StatusView is the read projection handed to callers of GetStatus.
type StatusView struct {
	UserKey   string              `json:"user_key"`
	Record    *SubscriptionRecord `json:"record,omitempty"`
	Plan      string              `json:"plan"`
	Status    Status              `json:"status,omitempty"`
	Active    bool                `json:"active"`
	Source    Source              `json:"source"`
	Unsynced  bool                `json:"unsynced,omitempty"`
	FetchedAt time.Time           `json:"fetched_at"`
}

// NewStatusView builds the projection for rec. A nil rec is the free tier.
func NewStatusView(user string, rec *SubscriptionRecord, source Source, fetchedAt time.Time) StatusView {
	v := StatusView{
		UserKey:   NormalizeUserKey(user),
		Record:    rec,
		Plan:      rec.Plan(),
		Source:    source,
		FetchedAt: fetchedAt,
	}
	if rec != nil {
		v.Status = rec.Status
		v.Active = rec.Status == StatusActive
	}
	return v
}

// Notification is the invalidation signal published on the bus. It never
// carries record data; receivers re-read the store.
type Notification struct {
	UserKey   string    `json:"user_key"`
	Reason    string    `json:"reason"`
	Immediate bool      `json:"immediate"`
	Origin    string    `json:"origin"`
	SentAt    time.Time `json:"sent_at"`
}

// WebhookEvent is a row of the webhook delivery ledger.
type WebhookEvent struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	UserKey    string    `json:"user_key"`
	ReceivedAt time.Time `json:"received_at"`
}
