package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mentorbridge/platform/services/session-service/internal/model"
)

type rescheduleResponse struct {
	ID            string `json:"id"`
	SessionID     string `json:"session_id"`
	ProposedBy    string `json:"proposed_by"`
	OriginalStart string `json:"original_start"`
	ProposedStart string `json:"proposed_start"`
	Reason        string `json:"reason,omitempty"`
	Status        string `json:"status"`
	ResolvedAt    string `json:"resolved_at,omitempty"`
}

func toRescheduleResponse(r model.RescheduleRequest) rescheduleResponse {
	resp := rescheduleResponse{
		ID:            r.ID,
		SessionID:     r.SessionID,
		ProposedBy:    r.ProposedBy,
		OriginalStart: r.OriginalStart.UTC().Format(time.RFC3339),
		ProposedStart: r.ProposedStart.UTC().Format(time.RFC3339),
		Reason:        r.Reason,
		Status:        string(r.Status),
	}
	if r.ResolvedAt != nil {
		resp.ResolvedAt = r.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

type proposeRescheduleRequest struct {
	SessionID     string `json:"session_id"`
	ProposedStart string `json:"proposed_start"`
	Reason        string `json:"reason"`
}

func (h *Handler) ProposeReschedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req proposeRescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	proposedStart, err := time.Parse(time.RFC3339, req.ProposedStart)
	if err != nil {
		http.Error(w, "invalid proposed_start", http.StatusBadRequest)
		return
	}

	request, err := h.reschedule.Propose(r.Context(), actor, req.SessionID, proposedStart, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRescheduleResponse(request))
}

type resolveRescheduleRequest struct {
	RequestID string `json:"request_id"`
	Approve   *bool  `json:"approve"`
}

func (h *Handler) ResolveReschedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req resolveRescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.RequestID == "" || req.Approve == nil {
		http.Error(w, "request_id and approve are required", http.StatusBadRequest)
		return
	}

	request, err := h.reschedule.Resolve(r.Context(), actor, req.RequestID, *req.Approve)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRescheduleResponse(request))
}
