package models

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a subscription record.
type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusUnpaid   Status = "unpaid"
	StatusCanceled Status = "canceled"
)

// Valid reports whether s is one of the four persisted states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPastDue, StatusUnpaid, StatusCanceled:
		return true
	}
	return false
}

// FreePlan is reported for users without a record or with a canceled one.
const FreePlan = "free"

// SubscriptionRecord is the durable, per-user subscription state. Exactly one
// record exists per UserKey; records are never deleted, only canceled.
type SubscriptionRecord struct {
	UserKey            string     `json:"user_key"`
	CustomerRef        string     `json:"customer_ref,omitempty"`
	SubscriptionRef    string     `json:"subscription_ref,omitempty"`
	SessionRef         *string    `json:"session_ref,omitempty"`
	PlanID             string     `json:"plan_id"`
	Status             Status     `json:"status"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// SubscriptionPatch is a field-level change to a record. Nil fields are left
// untouched. UpdatedAt orders concurrent writers: a patch older than the
// stored record is skipped.
type SubscriptionPatch struct {
	UserKey            string     `json:"user_key"`
	CustomerRef        *string    `json:"customer_ref,omitempty"`
	SubscriptionRef    *string    `json:"subscription_ref,omitempty"`
	SessionRef         *string    `json:"session_ref,omitempty"`
	PlanID             *string    `json:"plan_id,omitempty"`
	Status             *Status    `json:"status,omitempty"`
	CancelAtPeriodEnd  *bool      `json:"cancel_at_period_end,omitempty"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
	ClearCanceledAt    bool       `json:"clear_canceled_at,omitempty"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
	// Source names the writer (webhook event id, reconcile op, replay) for logs.
	Source string `json:"source,omitempty"`
	// StatusOnly patches transition an existing record and never create one.
	StatusOnly bool `json:"status_only,omitempty"`
}

// EndDate returns the date a status-only patch carries: the cancellation
// time for canceled, the current period end otherwise.
func (p SubscriptionPatch) EndDate() *time.Time {
	if p.Status != nil && *p.Status == StatusCanceled {
		return p.CanceledAt
	}
	return p.CurrentPeriodEnd
}

// NewRecord returns the row an insert of p would create.
func NewRecord(p SubscriptionPatch) *SubscriptionRecord {
	rec := &SubscriptionRecord{
		UserKey:   NormalizeUserKey(p.UserKey),
		Status:    StatusActive,
		CreatedAt: p.UpdatedAt,
	}
	rec.merge(p)
	return rec
}

// Apply merges p into r using the same rules as the store upsert. It returns
// false and leaves r untouched when r is newer than p.
func (r *SubscriptionRecord) Apply(p SubscriptionPatch) bool {
	if p.UpdatedAt.Before(r.UpdatedAt) {
		return false
	}
	r.merge(p)
	return true
}

func (r *SubscriptionRecord) merge(p SubscriptionPatch) {
	if p.CustomerRef != nil {
		r.CustomerRef = *p.CustomerRef
	}
	if p.SubscriptionRef != nil {
		r.SubscriptionRef = *p.SubscriptionRef
	}
	if p.SessionRef != nil {
		r.SessionRef = String(*p.SessionRef)
	}
	if p.PlanID != nil {
		r.PlanID = *p.PlanID
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.CancelAtPeriodEnd != nil {
		r.CancelAtPeriodEnd = *p.CancelAtPeriodEnd
	}
	if p.ClearCanceledAt {
		r.CanceledAt = nil
	} else if p.CanceledAt != nil {
		r.CanceledAt = Time(*p.CanceledAt)
	}
	if p.CurrentPeriodStart != nil {
		r.CurrentPeriodStart = Time(*p.CurrentPeriodStart)
	}
	if p.CurrentPeriodEnd != nil {
		r.CurrentPeriodEnd = Time(*p.CurrentPeriodEnd)
	}
	r.UpdatedAt = p.UpdatedAt
}

// Clone returns a deep copy of r.
func (r *SubscriptionRecord) Clone() *SubscriptionRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.SessionRef != nil {
		c.SessionRef = String(*r.SessionRef)
	}
	if r.CanceledAt != nil {
		c.CanceledAt = Time(*r.CanceledAt)
	}
	if r.CurrentPeriodStart != nil {
		c.CurrentPeriodStart = Time(*r.CurrentPeriodStart)
	}
	if r.CurrentPeriodEnd != nil {
		c.CurrentPeriodEnd = Time(*r.CurrentPeriodEnd)
	}
	return &c
}

// Plan returns the effective plan, FreePlan when there is no live record.
func (r *SubscriptionRecord) Plan() string {
	if r == nil || r.Status == StatusCanceled || r.PlanID == "" {
		return FreePlan
	}
	return r.PlanID
}

// NormalizeUserKey lower-cases and trims a user identity so lookups are
// case-insensitive.
func NormalizeUserKey(user string) string {
	return strings.ToLower(strings.TrimSpace(user))
}

// String returns a pointer to v.
func String(v string) *string { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Time returns a pointer to v.
func Time(v time.Time) *time.Time { return &v }

// StatusPtr returns a pointer to v.
func StatusPtr(v Status) *Status { return &v }
