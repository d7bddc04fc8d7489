// Package handlers exposes the session API over HTTP and receives the
// provider webhooks. Authentication happens at the edge gateway; handlers
// trust the identity headers it forwards.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/omise/omise-go"

	"github.com/mentorbridge/platform/libs/httpx"
	"github.com/mentorbridge/platform/services/session-service/internal/booking"
	"github.com/mentorbridge/platform/services/session-service/internal/clock"
	"github.com/mentorbridge/platform/services/session-service/internal/lifecycle"
	"github.com/mentorbridge/platform/services/session-service/internal/recording"
	"github.com/mentorbridge/platform/services/session-service/internal/reschedule"
	"github.com/mentorbridge/platform/services/session-service/internal/storage"
)

type Config struct {
	StripeWebhookSecret    string
	StripeWebhookTolerance time.Duration
	MeetingWebhookSecret   string
}

type Handler struct {
	store       storage.Store
	booking     *booking.Service
	lifecycle   *lifecycle.Service
	reschedule  *reschedule.Service
	pipeline    *recording.Pipeline
	omiseClient *omise.Client
	clock       clock.Clock
	logger      *slog.Logger
	cfg         Config
}

func New(
	store storage.Store,
	bookingSvc *booking.Service,
	lifecycleSvc *lifecycle.Service,
	rescheduleSvc *reschedule.Service,
	pipeline *recording.Pipeline,
	omiseClient *omise.Client,
	clk clock.Clock,
	logger *slog.Logger,
	cfg Config,
) *Handler {
	if cfg.StripeWebhookTolerance <= 0 {
		cfg.StripeWebhookTolerance = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Handler{
		store:       store,
		booking:     bookingSvc,
		lifecycle:   lifecycleSvc,
		reschedule:  rescheduleSvc,
		pipeline:    pipeline,
		omiseClient: omiseClient,
		clock:       clk,
		logger:      logger,
		cfg:         cfg,
	}
}

// Register mounts all routes on mux. Webhook paths skip the actor headers;
// signature (or API re-retrieval) is their authentication.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sessions/book", h.Book)
	mux.HandleFunc("POST /api/v1/payments/confirm", h.ConfirmPayment)
	mux.HandleFunc("POST /api/v1/sessions/cancel", h.Cancel)
	mux.HandleFunc("POST /api/v1/sessions/join", h.Join)
	mux.HandleFunc("POST /api/v1/sessions/complete", h.Complete)
	mux.HandleFunc("POST /api/v1/sessions/reschedule", h.ProposeReschedule)
	mux.HandleFunc("POST /api/v1/reschedules/resolve", h.ResolveReschedule)
	mux.HandleFunc("GET /api/v1/sessions", h.ListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", h.GetSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/recording", h.RecordingStatus)

	mux.HandleFunc("POST /webhooks/stripe", h.StripeWebhook)
	mux.HandleFunc("POST /webhooks/omise", h.OmiseWebhook)
	mux.HandleFunc("POST /webhooks/meetings", h.MeetingsWebhook)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDomainError maps service errors onto HTTP statuses. Unknown errors are
// logged and reported as 500 without leaking detail.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var tooEarly *lifecycle.TooEarlyError
	if errors.As(err, &tooEarly) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":              "join window not open",
			"minutes_until_open": tooEarly.MinutesUntilOpen,
		})
		return
	}

	switch {
	case errors.Is(err, booking.ErrSlotNotFound),
		errors.Is(err, lifecycle.ErrSessionNotFound),
		errors.Is(err, reschedule.ErrSessionNotFound),
		errors.Is(err, reschedule.ErrRequestNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, booking.ErrSlotUnavailable),
		errors.Is(err, booking.ErrSchedulingConflict),
		errors.Is(err, lifecycle.ErrInvalidStateTransition),
		errors.Is(err, lifecycle.ErrTooLate),
		errors.Is(err, reschedule.ErrAlreadyPending),
		errors.Is(err, reschedule.ErrNotReschedulable),
		errors.Is(err, reschedule.ErrAlreadyResolved):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, booking.ErrSlotTooSoon),
		errors.Is(err, booking.ErrSelfBooking),
		errors.Is(err, booking.ErrTopicRequired),
		errors.Is(err, lifecycle.ErrReasonRequired),
		errors.Is(err, lifecycle.ErrAmountMismatch),
		errors.Is(err, lifecycle.ErrPaymentNotCaptured),
		errors.Is(err, lifecycle.ErrMeetingNotReady),
		errors.Is(err, reschedule.ErrReasonRequired),
		errors.Is(err, reschedule.ErrTooLateToReschedule),
		errors.Is(err, reschedule.ErrProposedTooSoon):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, lifecycle.ErrNotAuthorized),
		errors.Is(err, reschedule.ErrNotAuthorized),
		errors.Is(err, reschedule.ErrSelfResolution):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func requireActor(w http.ResponseWriter, r *http.Request) (httpx.Actor, bool) {
	actor := httpx.ActorFromContext(r.Context())
	if actor.UserID == "" {
		http.Error(w, "missing identity headers", http.StatusUnauthorized)
		return httpx.Actor{}, false
	}
	return actor, true
}
