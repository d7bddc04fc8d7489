package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mentorbridge/platform/services/session-service/internal/booking"
	"github.com/mentorbridge/platform/services/session-service/internal/lifecycle"
	"github.com/mentorbridge/platform/services/session-service/internal/model"
	"github.com/mentorbridge/platform/services/session-service/internal/storage"
)

type sessionResponse struct {
	ID              string `json:"id"`
	MenteeID        string `json:"mentee_id"`
	MentorID        string `json:"mentor_id"`
	SlotID          string `json:"slot_id"`
	Topic           string `json:"topic"`
	Notes           string `json:"notes,omitempty"`
	PriceCents      int64  `json:"price_cents"`
	Currency        string `json:"currency"`
	StartAt         string `json:"start_at"`
	EndAt           string `json:"end_at"`
	Status          string `json:"status"`
	MeetingURL      string `json:"meeting_url,omitempty"`
	MeetingFailed   bool   `json:"meeting_failed,omitempty"`
	RecordingStatus string `json:"recording_status"`
	CancelReason    string `json:"cancel_reason,omitempty"`
	CompletedAt     string `json:"completed_at,omitempty"`
}

func toSessionResponse(s model.Session) sessionResponse {
	resp := sessionResponse{
		ID:              s.ID,
		MenteeID:        s.MenteeID,
		MentorID:        s.MentorID,
		SlotID:          s.SlotID,
		Topic:           s.Topic,
		Notes:           s.Notes,
		PriceCents:      s.PriceCents,
		Currency:        s.Currency,
		StartAt:         s.StartAt.UTC().Format(time.RFC3339),
		EndAt:           s.EndAt.UTC().Format(time.RFC3339),
		Status:          string(s.Status),
		MeetingURL:      s.MeetingURL,
		MeetingFailed:   s.MeetingFailed,
		RecordingStatus: string(s.RecordingStatus),
		CancelReason:    s.CancelReason,
	}
	if s.CompletedAt != nil {
		resp.CompletedAt = s.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

type bookRequest struct {
	SlotID string `json:"slot_id"`
	Topic  string `json:"topic"`
	Notes  string `json:"notes"`
}

func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.SlotID) == "" {
		http.Error(w, "slot_id is required", http.StatusBadRequest)
		return
	}

	session, err := h.booking.Book(r.Context(), booking.Request{
		MenteeID: actor.UserID,
		SlotID:   strings.TrimSpace(req.SlotID),
		Topic:    req.Topic,
		Notes:    req.Notes,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(session))
}

type confirmPaymentRequest struct {
	SessionID     string `json:"session_id"`
	Gateway       string `json:"gateway"`
	TransactionID string `json:"transaction_id"`
}

func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req confirmPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.Gateway == "" || req.TransactionID == "" {
		http.Error(w, "session_id, gateway and transaction_id are required", http.StatusBadRequest)
		return
	}

	session, err := h.lifecycle.ConfirmPayment(r.Context(), actor, req.SessionID, req.Gateway, req.TransactionID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

type cancelRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	result, err := h.lifecycle.Cancel(r.Context(), actor, req.SessionID, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":        toSessionResponse(result.Session),
		"refund_cents":   result.RefundCents,
		"refund_percent": result.RefundPercent,
		"refund_status":  result.RefundStatus,
	})
}

type joinRequest struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	result, err := h.lifecycle.Join(r.Context(), actor, req.SessionID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"can_join_now":      true,
		"meeting_url":       result.MeetingURL,
		"minutes_remaining": result.MinutesRemaining,
	})
}

type completeRequest struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	session, err := h.lifecycle.Complete(r.Context(), actor, req.SessionID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	resp := map[string]any{"session": toSessionResponse(session)}
	if session.CompletedAt != nil {
		resp["hold_release_at"] = session.CompletedAt.Add(lifecycle.PayoutHoldDuration).Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	session, err := h.store.SessionByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		h.writeDomainError(w, r, err)
		return
	}
	if !session.Participant(actor.UserID) && !actor.IsAdmin() {
		http.Error(w, "not authorized for this session", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	sessions, err := h.store.ListSessionsForUser(r.Context(), actor.UserID, 100)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	items := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		items = append(items, toSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": items})
}

// RecordingStatus always answers 200 for a session the caller may see; the
// body distinguishes available, still-processing, and failed recordings.
func (h *Handler) RecordingStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	session, err := h.store.SessionByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		h.writeDomainError(w, r, err)
		return
	}
	if !session.Participant(actor.UserID) && !actor.IsAdmin() {
		http.Error(w, "not authorized for this session", http.StatusForbidden)
		return
	}

	resp := map[string]any{"status": string(session.RecordingStatus)}
	switch session.RecordingStatus {
	case model.RecordingReady:
		resp["recording_key"] = session.RecordingKey
		if session.Transcript != "" {
			resp["transcript"] = session.Transcript
		}
	case model.RecordingFailed:
		resp["detail"] = "recording could not be processed"
	default:
		resp["detail"] = "recording not available yet"
	}
	writeJSON(w, http.StatusOK, resp)
}
