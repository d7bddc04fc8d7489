package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/omise/omise-go"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/mentorbridge/platform/libs/httpx"
	"github.com/mentorbridge/platform/services/session-service/internal/lifecycle"
	"github.com/mentorbridge/platform/services/session-service/internal/payments"
	"github.com/mentorbridge/platform/services/session-service/internal/video"
)

const webhookBodyLimit = 1 << 20 // 1 MiB hard cap

// systemActor is the identity used when a webhook, not a user, drives a
// transition.
var systemActor = httpx.Actor{UserID: "system", Role: "admin"}

// StripeWebhook confirms sessions off payment_intent events. No identity
// headers here; the signature is the authentication.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.cfg.StripeWebhookSecret) == "" {
		http.Error(w, "stripe webhook not configured", http.StatusServiceUnavailable)
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.cfg.StripeWebhookSecret, h.cfg.StripeWebhookTolerance)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	fresh, err := h.store.RecordProviderEvent(r.Context(), "stripe", evt.ID, string(evt.Type), body)
	if err != nil {
		http.Error(w, "failed to record provider event", http.StatusInternalServerError)
		return
	}
	if !fresh {
		h.logger.InfoContext(r.Context(), "provider event duplicate ignored",
			"provider", "stripe", "provider_event_id", evt.ID)
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
		return
	}

	switch evt.Type {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			h.logger.ErrorContext(r.Context(), "stripe: invalid payment intent payload", "err", err)
			break
		}
		sessionID := strings.TrimSpace(pi.Metadata["session_id"])
		if sessionID == "" {
			h.logger.WarnContext(r.Context(), "stripe: payment intent without session_id metadata", "intent_id", pi.ID)
			break
		}
		h.confirmFromWebhook(r.Context(), sessionID, payments.GatewayStripe, pi.ID)

	case "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err == nil {
			h.logger.WarnContext(r.Context(), "stripe: payment failed",
				"intent_id", pi.ID, "session_id", pi.Metadata["session_id"])
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type omiseIncomingEvent struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// OmiseWebhook handles charge events. Omise deliveries are unsigned, so the
// event is re-fetched from the API before anything is trusted.
func (h *Handler) OmiseWebhook(w http.ResponseWriter, r *http.Request) {
	if h.omiseClient == nil {
		http.Error(w, "omise webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	var inc omiseIncomingEvent
	if err := json.Unmarshal(body, &inc); err != nil || inc.ID == "" {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	evt, err := payments.RetrieveEvent(h.omiseClient, inc.ID)
	if err != nil {
		h.logger.WarnContext(r.Context(), "omise: event verification failed", "event_id", inc.ID, "err", err)
		http.Error(w, "event verification failed", http.StatusUnauthorized)
		return
	}

	fresh, err := h.store.RecordProviderEvent(r.Context(), "omise", evt.ID, evt.Key, body)
	if err != nil {
		http.Error(w, "failed to record provider event", http.StatusInternalServerError)
		return
	}
	if !fresh {
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
		return
	}

	if evt.Key == "charge.complete" {
		raw, err := json.Marshal(evt.Data)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "omise: marshal event data", "err", err)
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
			return
		}
		var charge omise.Charge
		if err := json.Unmarshal(raw, &charge); err != nil {
			h.logger.ErrorContext(r.Context(), "omise: invalid charge payload", "err", err)
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
			return
		}
		sessionID, _ := charge.Metadata["session_id"].(string)
		if sessionID == "" {
			h.logger.WarnContext(r.Context(), "omise: charge without session_id metadata", "charge_id", charge.ID)
		} else if charge.Paid {
			h.confirmFromWebhook(r.Context(), sessionID, payments.GatewayOmise, charge.ID)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) confirmFromWebhook(ctx context.Context, sessionID, gateway, txnID string) {
	_, err := h.lifecycle.ConfirmPayment(ctx, systemActor, sessionID, gateway, txnID)
	switch {
	case err == nil:
		h.logger.InfoContext(ctx, "session confirmed via webhook",
			"session_id", sessionID, "gateway", gateway)
	case errors.Is(err, lifecycle.ErrInvalidStateTransition):
		// Client already confirmed through the API; the webhook is a replay.
		h.logger.InfoContext(ctx, "webhook confirmation redundant", "session_id", sessionID)
	default:
		h.logger.ErrorContext(ctx, "webhook confirmation failed",
			"session_id", sessionID, "gateway", gateway, "err", err)
	}
}

type meetingWebhookEvent struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Payload struct {
		MeetingID   string `json:"meeting_id"`
		Reference   string `json:"reference"`
		DownloadURL string `json:"download_url"`
		Reason      string `json:"reason"`
	} `json:"payload"`
}

// MeetingsWebhook receives recording notifications from the conferencing
// provider. The heavy pipeline (download, archive, transcribe) runs after the
// 202 ack so the provider never times out waiting on us.
func (h *Handler) MeetingsWebhook(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.cfg.MeetingWebhookSecret) == "" {
		http.Error(w, "meeting webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if err := video.VerifySignature(
		h.cfg.MeetingWebhookSecret,
		r.Header.Get(video.SignatureHeader),
		r.Header.Get(video.TimestampHeader),
		body,
		h.clock.Now().UTC(),
	); err != nil {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var evt meetingWebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil || evt.ID == "" {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	fresh, err := h.store.RecordProviderEvent(r.Context(), "meetings", evt.ID, evt.Event, body)
	if err != nil {
		http.Error(w, "failed to record provider event", http.StatusInternalServerError)
		return
	}
	if !fresh {
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
		return
	}

	sessionID := strings.TrimSpace(evt.Payload.Reference)
	if sessionID == "" {
		h.logger.WarnContext(r.Context(), "meeting webhook without reference",
			"event", evt.Event, "meeting_id", evt.Payload.MeetingID)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}

	switch evt.Event {
	case "recording.completed":
		downloadURL := evt.Payload.DownloadURL
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := h.pipeline.Process(ctx, sessionID, downloadURL); err != nil {
				h.logger.Error("recording pipeline failed", "session_id", sessionID, "err", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "processing"})

	case "recording.failed":
		if err := h.pipeline.MarkFailed(r.Context(), sessionID, evt.Payload.Reason); err != nil {
			h.logger.ErrorContext(r.Context(), "failed to record provider recording failure",
				"session_id", sessionID, "err", err)
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})

	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
	}
}
