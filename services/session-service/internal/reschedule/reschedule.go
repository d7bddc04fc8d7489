// Package reschedule arbitrates schedule changes on confirmed sessions.
// Either participant may propose a new start; the other party (or an admin)
// approves or rejects. While a request is pending the session is frozen in
// pending_reschedule and no second request can be opened.
package reschedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mentorbridge/platform/libs/httpx"
	"github.com/mentorbridge/platform/services/session-service/internal/clock"
	"github.com/mentorbridge/platform/services/session-service/internal/model"
	"github.com/mentorbridge/platform/services/session-service/internal/outbox"
	"github.com/mentorbridge/platform/services/session-service/internal/policy"
	"github.com/mentorbridge/platform/services/session-service/internal/storage"
)

// MinReasonChars matches the cancellation rule: a proposal must say why.
const MinReasonChars = 10

var (
	ErrReasonRequired      = errors.New("reschedule reason must be at least 10 characters")
	ErrSessionNotFound     = errors.New("session not found")
	ErrRequestNotFound     = errors.New("reschedule request not found")
	ErrNotAuthorized       = errors.New("not authorized for this reschedule")
	ErrNotReschedulable    = errors.New("session cannot be rescheduled in its current state")
	ErrTooLateToReschedule = errors.New("reschedule must be proposed at least 24 hours before start")
	ErrProposedTooSoon     = errors.New("proposed start must be at least 24 hours away")
	ErrAlreadyPending      = errors.New("a reschedule request is already pending for this session")
	ErrSelfResolution      = errors.New("the proposer cannot resolve their own request")
	ErrAlreadyResolved     = errors.New("reschedule request was already resolved differently")
)

type Service struct {
	store storage.Store
	clock clock.Clock
	log   *slog.Logger
}

func NewService(store storage.Store, clk clock.Clock, log *slog.Logger) *Service {
	if clk == nil {
		clk = clock.System()
	}
	return &Service{store: store, clock: clk, log: log}
}

// Propose opens a reschedule request and freezes the session in
// pending_reschedule until the other party resolves it.
func (s *Service) Propose(ctx context.Context, actor httpx.Actor, sessionID string, proposedStart time.Time, reason string) (model.RescheduleRequest, error) {
	if len(strings.TrimSpace(reason)) < MinReasonChars {
		return model.RescheduleRequest{}, ErrReasonRequired
	}
	now := s.clock.Now()
	if proposedStart.Sub(now) < policy.RescheduleNotice {
		return model.RescheduleRequest{}, ErrProposedTooSoon
	}

	req := model.RescheduleRequest{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		ProposedBy:    actor.UserID,
		ProposedStart: proposedStart.UTC(),
		Reason:        strings.TrimSpace(reason),
		Status:        model.ReschedulePending,
	}

	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		session, err := tx.SessionForUpdate(ctx, sessionID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		if !session.Participant(actor.UserID) {
			return ErrNotAuthorized
		}
		if session.Status != model.StatusConfirmed {
			return fmt.Errorf("%w: status %s", ErrNotReschedulable, session.Status)
		}
		if !policy.ReschedulableAt(now, session.StartAt) {
			return ErrTooLateToReschedule
		}

		req.OriginalStart = session.StartAt
		if err := tx.CreateReschedule(ctx, &req); err != nil {
			if errors.Is(err, storage.ErrReschedulePending) {
				return ErrAlreadyPending
			}
			return err
		}

		session.Status = model.StatusPendingReschedule
		if err := tx.SaveSession(ctx, &session); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, requestEvent(outbox.EventReschedProposed, &req, &session))
	})
	if err != nil {
		return model.RescheduleRequest{}, err
	}

	s.log.InfoContext(ctx, "reschedule proposed",
		"session_id", sessionID, "request_id", req.ID, "by", actor.UserID,
		"proposed_start", req.ProposedStart)
	return req, nil
}

// Resolve approves or rejects a pending request. Approval moves the session's
// schedule (preserving duration) and the underlying slot; rejection restores
// the original schedule untouched. Resolving an already-resolved request with
// the same outcome is a no-op; with the opposite outcome it fails.
func (s *Service) Resolve(ctx context.Context, actor httpx.Actor, requestID string, approve bool) (model.RescheduleRequest, error) {
	now := s.clock.Now()
	var req model.RescheduleRequest
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		req, err = tx.RescheduleForUpdate(ctx, requestID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrRequestNotFound
			}
			return err
		}

		session, err := tx.SessionForUpdate(ctx, req.SessionID)
		if err != nil {
			return err
		}
		if !session.Participant(actor.UserID) && !actor.IsAdmin() {
			return ErrNotAuthorized
		}
		if actor.UserID == req.ProposedBy && !actor.IsAdmin() {
			return ErrSelfResolution
		}

		if req.Status != model.ReschedulePending {
			wanted := model.RescheduleRejected
			if approve {
				wanted = model.RescheduleApproved
			}
			if req.Status == wanted {
				return nil // retried resolution, nothing to do
			}
			return ErrAlreadyResolved
		}

		if approve {
			duration := session.EndAt.Sub(session.StartAt)
			session.StartAt = req.ProposedStart
			session.EndAt = req.ProposedStart.Add(duration)
			if err := tx.MoveSlot(ctx, session.SlotID, req.ProposedStart); err != nil {
				return err
			}
			req.Status = model.RescheduleApproved
		} else {
			req.Status = model.RescheduleRejected
		}

		session.Status = model.StatusConfirmed
		if err := tx.SaveSession(ctx, &session); err != nil {
			return err
		}

		req.ResolvedAt = &now
		if err := tx.SaveReschedule(ctx, &req); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, requestEvent(outbox.EventReschedResolved, &req, &session))
	})
	if err != nil {
		return model.RescheduleRequest{}, err
	}

	s.log.InfoContext(ctx, "reschedule resolved",
		"request_id", req.ID, "session_id", req.SessionID, "status", req.Status, "by", actor.UserID)
	return req, nil
}

func requestEvent(eventType string, r *model.RescheduleRequest, s *model.Session) outbox.Event {
	body := map[string]any{
		"request_id":     r.ID,
		"session_id":     r.SessionID,
		"proposed_by":    r.ProposedBy,
		"original_start": r.OriginalStart.Format(time.RFC3339),
		"proposed_start": r.ProposedStart.Format(time.RFC3339),
		"status":         string(r.Status),
		"session_status": string(s.Status),
	}
	// The notification consumer needs to know whose approval is awaited.
	if r.Status == model.ReschedulePending {
		body["awaiting"] = s.OtherParty(r.ProposedBy)
	}
	payload, _ := json.Marshal(body)
	return outbox.Event{
		AggregateType: "reschedule_request",
		AggregateID:   r.ID,
		EventType:     eventType,
		Payload:       payload,
	}
}
