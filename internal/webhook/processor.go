package webhook

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/PortNumber53/subsync/internal/apperr"
	"github.com/PortNumber53/subsync/internal/engine"
	"github.com/PortNumber53/subsync/internal/ident"
	"github.com/PortNumber53/subsync/internal/logger"
	"github.com/PortNumber53/subsync/internal/metrics"
	"github.com/PortNumber53/subsync/internal/models"
	"github.com/PortNumber53/subsync/internal/provider"
)

// Writer is the engine surface used to apply events.
type Writer interface {
	Apply(ctx context.Context, p models.SubscriptionPatch) (engine.WriteResult, error)
	ApplyStatus(ctx context.Context, user string, status models.Status, endDate *time.Time, updatedAt time.Time) (engine.WriteResult, error)
}

// Records looks up stored records for identity resolution.
type Records interface {
	Get(ctx context.Context, user string) (*models.SubscriptionRecord, error)
	GetByCustomerRef(ctx context.Context, customerRef string) (*models.SubscriptionRecord, error)
}

// Ledger records webhook deliveries.
type Ledger interface {
	RecordEvent(ctx context.Context, eventID, eventType, user string) (bool, error)
}

// Outcome actions.
const (
	ActionApplied  = "applied"
	ActionStale    = "stale"
	ActionUnsynced = "unsynced"
	ActionNoRecord = "no_record"
	ActionIgnored  = "ignored"
)

// Outcome describes what processing an event did.
type Outcome struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	UserKey   string `json:"user_key,omitempty"`
	Action    string `json:"action"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Processor applies decoded events to subscription state.
type Processor struct {
	writer   Writer
	records  Records
	ledger   Ledger
	provider provider.Client
	log      *zap.Logger
}

// NewProcessor wires a Processor. ledger and client may be nil.
func NewProcessor(writer Writer, records Records, ledger Ledger, client provider.Client, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		writer:   writer,
		records:  records,
		ledger:   ledger,
		provider: client,
		log:      logger.Component(log, "webhook"),
	}
}

// Process applies ev. Identifier violations return MalformedIdentifier
// without writing anything; callers acknowledge those deliveries so the
// provider stops redelivering them.
func (p *Processor) Process(ctx context.Context, ev Event) (Outcome, error) {
	meta := ev.Envelope()
	out := Outcome{EventID: meta.ID, Type: meta.Type}

	var (
		res result
		err error
	)
	switch e := ev.(type) {
	case *CheckoutCompleted:
		res, err = p.checkoutCompleted(ctx, e)
	case *SubscriptionCreated:
		res, err = p.subscriptionChanged(ctx, meta, e.Subscription, true)
	case *SubscriptionUpdated:
		res, err = p.subscriptionChanged(ctx, meta, e.Subscription, false)
	case *SubscriptionDeleted:
		res, err = p.subscriptionDeleted(ctx, e)
	case *InvoicePaid:
		res, err = p.invoice(ctx, meta, e.Invoice, models.StatusActive)
	case *InvoicePaymentFailed:
		res, err = p.invoice(ctx, meta, e.Invoice, models.StatusPastDue)
	default:
		out.Action = ActionIgnored
		metrics.WebhookEvents.WithLabelValues(meta.Type, ActionIgnored).Inc()
		return out, nil
	}

	out.UserKey = res.UserKey
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(meta.Type, string(apperr.KindOf(err))).Inc()
		if apperr.Is(err, apperr.KindMalformedIdentifier) {
			p.log.Error("rejected event with malformed identifier",
				zap.String("event", describe(ev)), zap.String("user", res.UserKey), zap.Error(err))
		}
		return out, err
	}

	switch {
	case res.UserKey == "":
		out.Action = ActionIgnored
	case res.Unsynced:
		out.Action = ActionUnsynced
	case res.Applied:
		out.Action = ActionApplied
	case res.Status == statusNoRecord:
		out.Action = ActionNoRecord
	default:
		out.Action = ActionStale
	}
	metrics.WebhookEvents.WithLabelValues(meta.Type, out.Action).Inc()

	if out.UserKey != "" && !res.Unsynced {
		out.Duplicate = p.recordDelivery(ctx, meta, out.UserKey)
	}
	p.log.Info("processed event",
		zap.String("event", meta.ID), zap.String("type", meta.Type),
		zap.String("user", out.UserKey), zap.String("action", out.Action), zap.Bool("duplicate", out.Duplicate))
	return out, nil
}

func (p *Processor) recordDelivery(ctx context.Context, meta Meta, user string) bool {
	if p.ledger == nil {
		return false
	}
	first, err := p.ledger.RecordEvent(ctx, meta.ID, meta.Type, user)
	if err != nil {
		p.log.Warn("failed to record delivery", zap.String("event", meta.ID), zap.Error(err))
		return false
	}
	if !first {
		p.log.Info("duplicate delivery re-applied", zap.String("event", meta.ID), zap.String("user", user))
	}
	return !first
}

func (p *Processor) checkoutCompleted(ctx context.Context, e *CheckoutCompleted) (result, error) {
	s := e.Session
	if err := ident.RequireSession(s.ID); err != nil {
		return result{}, err
	}
	if s.Mode != "" && s.Mode != "subscription" {
		p.log.Info("ignoring non-subscription checkout", zap.String("event", e.ID), zap.String("mode", s.Mode))
		return result{}, nil
	}
	if s.Subscription == "" {
		return result{}, apperr.New(apperr.KindInvalidInput, "webhook.checkout_completed", "session "+s.ID+" carries no subscription")
	}

	patch := models.SubscriptionPatch{
		SubscriptionRef:   models.String(string(s.Subscription)),
		SessionRef:        models.String(s.ID),
		Status:            models.StatusPtr(models.StatusActive),
		CancelAtPeriodEnd: models.Bool(false),
		ClearCanceledAt:   true,
		UpdatedAt:         e.Created,
		Source:            e.ID,
	}
	if s.Customer != "" {
		patch.CustomerRef = models.String(string(s.Customer))
	}
	if plan := s.Metadata["plan_id"]; plan != "" {
		patch.PlanID = models.String(plan)
	}
	if err := ident.ValidatePatch(patch); err != nil {
		return result{}, err
	}

	user, err := p.resolve(ctx, string(s.Customer),
		s.ClientReferenceID, s.Metadata["user_identity"], s.Email())
	if err != nil {
		return result{}, err
	}
	patch.UserKey = user
	return p.apply(ctx, patch)
}

func (p *Processor) subscriptionChanged(ctx context.Context, meta Meta, sub Subscription, created bool) (result, error) {
	snap := sub.Snapshot()
	patch := snap.Patch("", meta.Created)
	patch.Source = meta.ID
	if created {
		patch.Status = models.StatusPtr(models.StatusActive)
	}
	if err := ident.ValidatePatch(patch); err != nil {
		return result{}, err
	}

	user, err := p.resolve(ctx, snap.CustomerRef, sub.Metadata["user_identity"])
	if err != nil {
		return result{}, err
	}

	// Updates to an old subscription must not repoint the record away from
	// its replacement. A canceled record has no live subscription to protect.
	if !created {
		current, err := p.superseding(ctx, user, sub.ID)
		if err != nil {
			return result{WriteResult: engine.WriteResult{UserKey: user}}, err
		}
		if current != nil && current.Status != models.StatusCanceled {
			p.logSuperseded(meta, user, sub.ID, current)
			return result{}, nil
		}
	}

	patch.UserKey = user
	return p.apply(ctx, patch)
}

func (p *Processor) subscriptionDeleted(ctx context.Context, e *SubscriptionDeleted) (result, error) {
	sub := e.Subscription
	patch := models.SubscriptionPatch{
		SubscriptionRef:   models.String(sub.ID),
		CustomerRef:       models.String(string(sub.Customer)),
		Status:            models.StatusPtr(models.StatusCanceled),
		CancelAtPeriodEnd: models.Bool(false),
		CanceledAt:        models.Time(e.Created),
		UpdatedAt:         e.Created,
		Source:            e.ID,
	}
	if ended := provider.Unix(sub.EndedAt); ended != nil {
		patch.CanceledAt = ended
	}
	if err := ident.ValidatePatch(patch); err != nil {
		return result{}, err
	}

	user, err := p.resolve(ctx, string(sub.Customer), sub.Metadata["user_identity"])
	if err != nil {
		return result{}, err
	}

	// A deletion of a subscription the user already replaced must not cancel
	// the replacement.
	current, err := p.superseding(ctx, user, sub.ID)
	if err != nil {
		return result{WriteResult: engine.WriteResult{UserKey: user}}, err
	}
	if current != nil {
		p.logSuperseded(e.Meta, user, sub.ID, current)
		return result{}, nil
	}

	patch.UserKey = user
	return p.apply(ctx, patch)
}

func (p *Processor) invoice(ctx context.Context, meta Meta, inv Invoice, status models.Status) (result, error) {
	if err := ident.RequireCustomer(string(inv.Customer)); err != nil {
		return result{}, err
	}
	ref := inv.SubscriptionRef()
	if ref == "" {
		p.log.Info("ignoring invoice without subscription", zap.String("event", meta.ID), zap.String("invoice", inv.ID))
		return result{}, nil
	}
	if err := ident.RequireSubscription(ref); err != nil {
		return result{}, err
	}

	user, err := p.resolve(ctx, string(inv.Customer), inv.UserIdentity(), inv.CustomerEmail)
	if err != nil {
		return result{}, err
	}
	current, err := p.superseding(ctx, user, ref)
	if err != nil {
		return result{WriteResult: engine.WriteResult{UserKey: user}}, err
	}
	if current != nil {
		p.logSuperseded(meta, user, ref, current)
		return result{}, nil
	}
	res, err := p.writer.ApplyStatus(ctx, user, status, nil, meta.Created)
	out := result{WriteResult: res}
	if err == nil && !res.Applied && !res.Unsynced {
		out.Status = statusNoRecord
	}
	return out, err
}

// superseding returns the stored record when it already points at a live
// subscription other than ref. A store outage is not an error here: the write
// that follows parks the event offline instead.
func (p *Processor) superseding(ctx context.Context, user, ref string) (*models.SubscriptionRecord, error) {
	current, err := p.records.Get(ctx, user)
	if err != nil {
		if apperr.Is(err, apperr.KindTransientStore) {
			return nil, nil
		}
		return nil, err
	}
	if current == nil || current.SubscriptionRef == "" || current.SubscriptionRef == ref ||
		ident.Classify(current.SubscriptionRef) != ident.Subscription {
		return nil, nil
	}
	return current, nil
}

func (p *Processor) logSuperseded(meta Meta, user, ref string, current *models.SubscriptionRecord) {
	p.log.Info("ignoring event for superseded subscription",
		zap.String("event", meta.ID), zap.String("type", meta.Type), zap.String("user", user),
		zap.String("subscription", ref), zap.String("current", current.SubscriptionRef))
}

func (p *Processor) apply(ctx context.Context, patch models.SubscriptionPatch) (result, error) {
	res, err := p.writer.Apply(ctx, patch)
	return result{WriteResult: res}, err
}

// resolve finds the user a delivery belongs to: an explicit reference from
// the payload first, then the stored record for the customer, then the
// customer profile at the provider.
func (p *Processor) resolve(ctx context.Context, customerRef string, explicit ...string) (string, error) {
	for _, v := range explicit {
		if user := models.NormalizeUserKey(v); user != "" {
			return user, nil
		}
	}
	if customerRef == "" {
		return "", apperr.New(apperr.KindNotFound, "webhook.resolve", "event carries no user reference")
	}

	rec, err := p.records.GetByCustomerRef(ctx, customerRef)
	if err != nil && !apperr.Is(err, apperr.KindTransientStore) {
		return "", err
	}
	if rec != nil {
		return rec.UserKey, nil
	}

	if p.provider == nil {
		if err != nil {
			return "", err
		}
		return "", apperr.New(apperr.KindNotFound, "webhook.resolve", "no user for customer "+customerRef)
	}
	user, perr := p.provider.CustomerIdentity(ctx, customerRef)
	if perr != nil {
		return "", perr
	}
	return models.NormalizeUserKey(user), nil
}

const statusNoRecord = "no_record"

// result carries the write outcome plus processor-level detail.
type result struct {
	engine.WriteResult
	Status string
}
