package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/PortNumber53/subsync/internal/apperr"
	"github.com/PortNumber53/subsync/internal/models"
	"github.com/PortNumber53/subsync/internal/reconcile"
)

// Reconciler is the subscription surface exposed over HTTP.
type Reconciler interface {
	GetStatus(ctx context.Context, user string) (models.StatusView, error)
	Cancel(ctx context.Context, user string, atPeriodEnd bool) (reconcile.Result, error)
	Reactivate(ctx context.Context, user string) (reconcile.Result, error)
	Refresh(ctx context.Context, user string) (reconcile.Result, error)
	CheckCache(ctx context.Context, user string) (reconcile.CacheReport, error)
}

type userPayload struct {
	User string `json:"user"`
}

type cancelPayload struct {
	User        string `json:"user"`
	AtPeriodEnd *bool  `json:"at_period_end"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrapf(apperr.KindInvalidInput, "handlers.decode", err, "invalid JSON payload")
	}
	return nil
}

// SubscriptionStatus returns the user's current subscription view.
func SubscriptionStatus(svc Reconciler, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}

		user := strings.TrimSpace(r.URL.Query().Get("user"))
		view, err := svc.GetStatus(r.Context(), user)
		if err != nil {
			log.Warn("status lookup failed", zap.String("user", user), zap.Error(err))
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// CancelSubscription cancels the user's subscription. at_period_end
// defaults to true.
func CancelSubscription(svc Reconciler, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}

		var payload cancelPayload
		if err := decodeBody(w, r, &payload); err != nil {
			writeError(w, err)
			return
		}
		atPeriodEnd := true
		if payload.AtPeriodEnd != nil {
			atPeriodEnd = *payload.AtPeriodEnd
		}

		res, err := svc.Cancel(r.Context(), payload.User, atPeriodEnd)
		respondResult(w, log, "cancel", res, err)
	}
}

// ReactivateSubscription clears a pending cancellation.
func ReactivateSubscription(svc Reconciler, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}

		var payload userPayload
		if err := decodeBody(w, r, &payload); err != nil {
			writeError(w, err)
			return
		}
		res, err := svc.Reactivate(r.Context(), payload.User)
		respondResult(w, log, "reactivate", res, err)
	}
}

// RefreshSubscription re-reads the subscription from the payment provider
// and repairs drift.
func RefreshSubscription(svc Reconciler, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}

		var payload userPayload
		if err := decodeBody(w, r, &payload); err != nil {
			writeError(w, err)
			return
		}
		res, err := svc.Refresh(r.Context(), payload.User)
		respondResult(w, log, "refresh", res, err)
	}
}

// CheckSubscriptionCache compares the user's cached entries with the durable
// record and invalidates them on mismatch.
func CheckSubscriptionCache(svc Reconciler, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}

		var payload userPayload
		if err := decodeBody(w, r, &payload); err != nil {
			writeError(w, err)
			return
		}
		report, err := svc.CheckCache(r.Context(), payload.User)
		if err != nil {
			log.Warn("cache check failed", zap.String("user", payload.User), zap.Error(err))
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func respondResult(w http.ResponseWriter, log *zap.Logger, op string, res reconcile.Result, err error) {
	if err != nil {
		kind := apperr.KindOf(err)
		if kind == apperr.KindProviderAuth || kind == apperr.KindInternal {
			log.Error(op+" failed", zap.String("user", res.UserKey), zap.Error(err))
		} else {
			log.Warn(op+" failed", zap.String("user", res.UserKey), zap.Error(err))
		}
		writeError(w, err)
		return
	}
	if res.Warning != "" {
		log.Warn(op+" completed with warning", zap.String("user", res.UserKey), zap.String("warning", res.Warning))
	}
	writeJSON(w, http.StatusOK, res)
}
