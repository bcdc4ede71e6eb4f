package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/PortNumber53/subsync/internal/apperr"
	"github.com/PortNumber53/subsync/internal/metrics"
	"github.com/PortNumber53/subsync/internal/webhook"
)

const maxWebhookBody = 65536

// EventDecoder verifies and decodes a webhook delivery.
type EventDecoder interface {
	Decode(payload []byte, signatureHeader string) (webhook.Event, error)
}

// EventProcessor applies a decoded event.
type EventProcessor interface {
	Process(ctx context.Context, ev webhook.Event) (webhook.Outcome, error)
}

type webhookResponse struct {
	Status  string           `json:"status"`
	Outcome *webhook.Outcome `json:"outcome,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// StripeWebhook receives payment-provider events. Only deliveries failing
// signature verification get a 400. Deliveries that can never succeed
// (invalid payloads, malformed identifiers, unknown users, unhandled types) are
// acknowledged so the provider stops retrying; transient failures return a
// 5xx so the provider redelivers.
func StripeWebhook(decoder EventDecoder, processor EventProcessor, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		ev, err := decoder.Decode(body, r.Header.Get("Stripe-Signature"))
		if errors.Is(err, webhook.ErrUnhandledType) {
			meta := ev.Envelope()
			log.Debug("ignoring unhandled event", zap.String("event", meta.ID), zap.String("type", meta.Type))
			metrics.WebhookEvents.WithLabelValues(meta.Type, webhook.ActionIgnored).Inc()
			writeJSON(w, http.StatusOK, webhookResponse{Status: "ignored"})
			return
		}
		if errors.Is(err, webhook.ErrBadSignature) {
			log.Warn("refused webhook delivery", zap.Error(err))
			metrics.WebhookEvents.WithLabelValues("unknown", "bad_signature").Inc()
			writeJSON(w, http.StatusBadRequest, webhookResponse{Status: "invalid", Error: err.Error()})
			return
		}
		if err != nil {
			// Verified but undecodable: redelivery cannot fix it.
			log.Error("rejected webhook payload", zap.Error(err))
			metrics.WebhookEvents.WithLabelValues("unknown", string(apperr.KindOf(err))).Inc()
			writeJSON(w, http.StatusOK, webhookResponse{Status: "rejected", Error: err.Error()})
			return
		}

		out, err := processor.Process(r.Context(), ev)
		if err != nil {
			switch kind := apperr.KindOf(err); kind {
			case apperr.KindMalformedIdentifier, apperr.KindInvalidInput:
				writeJSON(w, http.StatusOK, webhookResponse{Status: "rejected", Outcome: &out, Error: err.Error()})
			case apperr.KindNotFound:
				log.Warn("no user for event", zap.String("event", out.EventID), zap.String("type", out.Type), zap.Error(err))
				writeJSON(w, http.StatusOK, webhookResponse{Status: "ignored", Outcome: &out, Error: err.Error()})
			default:
				log.Error("failed to process event", zap.String("event", out.EventID), zap.String("type", out.Type), zap.Error(err))
				status := http.StatusInternalServerError
				if apperr.IsRetryable(err) {
					status = http.StatusServiceUnavailable
				}
				writeJSON(w, status, webhookResponse{Status: "error", Outcome: &out, Error: string(kind)})
			}
			return
		}

		writeJSON(w, http.StatusOK, webhookResponse{Status: "ok", Outcome: &out})
	}
}
