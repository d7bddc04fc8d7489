// Package lifecycle drives a session through its state machine:
//
//	pending → confirmed → in_progress → completed
//	pending|confirmed → cancelled
//	confirmed → no_show (nobody joined by end + 15m)
//
// A session in pending_reschedule is frozen: the open reschedule request must
// be resolved before any other command touches the session.
//
// Every transition happens under a row lock on the session, so concurrent
// commands serialize and each one re-checks state after acquiring the lock.
package lifecycle

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
	"github.com/mentorbridge/platform/services/session-service/internal/payments"
	"github.com/mentorbridge/platform/services/session-service/internal/policy"
	"github.com/mentorbridge/platform/services/session-service/internal/storage"
)

// How long after completion the mentor payout hold is kept, and when the
// review request goes out.
const (
	PayoutHoldDuration   = 72 * time.Hour
	ReviewRequestDelay   = 24 * time.Hour
	AutoTerminateGrace   = 2 * time.Minute
	NoShowGrace          = policy.JoinWindowMargin
	MinCancelReasonChars = 10
)

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrNotAuthorized          = errors.New("not authorized for this session")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrAmountMismatch         = errors.New("captured amount does not match session price")
	ErrPaymentNotCaptured     = errors.New("payment has not been captured")
	ErrReasonRequired         = errors.New("cancellation reason must be at least 10 characters")
	ErrMeetingNotReady        = errors.New("meeting room is not ready yet")
	ErrTooLate                = errors.New("join window has closed")
)

// TooEarlyError is returned from Join before the window opens so the handler
// can tell the caller how long to wait.
type TooEarlyError struct {
	MinutesUntilOpen int
}

func (e *TooEarlyError) Error() string {
	return fmt.Sprintf("join window opens in %d minutes", e.MinutesUntilOpen)
}

type Service struct {
	store    storage.Store
	gateways *payments.Registry
	clock    clock.Clock
	log      *slog.Logger
}

func NewService(store storage.Store, gateways *payments.Registry, clk clock.Clock, log *slog.Logger) *Service {
	if clk == nil {
		clk = clock.System()
	}
	return &Service{store: store, gateways: gateways, clock: clk, log: log}
}

// ConfirmPayment verifies the gateway capture for a pending session and moves
// it to confirmed. The captured amount must equal the price frozen at booking
// time; the client-asserted amount is ignored.
func (s *Service) ConfirmPayment(ctx context.Context, actor httpx.Actor, sessionID, gatewayName, txnID string) (model.Session, error) {
	gateway, err := s.gateways.Get(gatewayName)
	if err != nil {
		return model.Session{}, err
	}

	// Gateway verification crosses the network; do it before taking the row lock.
	capture, err := gateway.VerifyCapture(ctx, txnID)
	if err != nil {
		return model.Session{}, err
	}
	if !capture.Captured {
		return model.Session{}, ErrPaymentNotCaptured
	}

	now := s.clock.Now()
	var session model.Session
	err = s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		session, err = s.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if !session.Participant(actor.UserID) && !actor.IsAdmin() {
			return ErrNotAuthorized
		}
		if session.Status != model.StatusPending {
			return fmt.Errorf("%w: confirm from %s", ErrInvalidStateTransition, session.Status)
		}
		if capture.AmountCents != session.PriceCents || !strings.EqualFold(capture.Currency, session.Currency) {
			return fmt.Errorf("%w: captured %d %s, session price %d %s",
				ErrAmountMismatch, capture.AmountCents, capture.Currency, session.PriceCents, session.Currency)
		}

		commission, payout := model.Commission(capture.AmountCents)
		payment := model.Payment{
			ID:              uuid.NewString(),
			SessionID:       session.ID,
			Gateway:         gateway.Name(),
			GatewayTxnID:    capture.TransactionID,
			AmountCents:     capture.AmountCents,
			CommissionCents: commission,
			PayoutCents:     payout,
			Status:          model.PaymentCaptured,
			PaidAt:          &now,
		}
		if err := tx.CreatePayment(ctx, &payment); err != nil {
			return err
		}

		session.Status = model.StatusConfirmed
		if err := tx.SaveSession(ctx, &session); err != nil {
			return err
		}

		if err := tx.EnqueueJob(ctx, session.ID, storage.JobCreateMeeting, now); err != nil {
			return err
		}
		if err := tx.EnqueueJob(ctx, session.ID, storage.JobSendJoinLink, laterOf(now, session.StartAt.Add(-policy.JoinWindowMargin))); err != nil {
			return err
		}
		if err := tx.EnqueueJob(ctx, session.ID, storage.JobAutoTerminate, session.EndAt.Add(AutoTerminateGrace)); err != nil {
			return err
		}
		if err := tx.EnqueueJob(ctx, session.ID, storage.JobNoShowCheck, session.EndAt.Add(NoShowGrace)); err != nil {
			return err
		}

		return tx.AppendEvent(ctx, sessionEvent(outbox.EventSessionConfirmed, &session, map[string]any{
			"gateway":      payment.Gateway,
			"txn_id":       payment.GatewayTxnID,
			"amount_cents": payment.AmountCents,
		}))
	})
	if err != nil {
		return model.Session{}, err
	}

	s.log.InfoContext(ctx, "session confirmed",
		"session_id", session.ID, "gateway", gatewayName, "amount_cents", capture.AmountCents)
	return session, nil
}

// Cancel ends a session before it runs and issues the time-tiered refund.
// The cancellation itself always commits; a gateway refund failure is recorded
// on the payment row for manual reconciliation and never rolls the state back.
// CancelResult reports what cancellation did: the refund is computed from the
// time remaining before start, and its issuance outcome is included so callers
// can surface a failed refund without treating the cancellation as failed.
type CancelResult struct {
	Session       model.Session
	RefundCents   int64
	RefundPercent int
	RefundStatus  string // "none", "refunded" or "refund_failed"
}

func (s *Service) Cancel(ctx context.Context, actor httpx.Actor, sessionID, reason string) (CancelResult, error) {
	if len(strings.TrimSpace(reason)) < MinCancelReasonChars {
		return CancelResult{}, ErrReasonRequired
	}

	now := s.clock.Now()
	var (
		session     model.Session
		payment     model.Payment
		havePayment bool
		refundCents int64
		percent     int
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		session, err = s.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if !session.Participant(actor.UserID) && !actor.IsAdmin() {
			return ErrNotAuthorized
		}
		// pending_reschedule is rejected too: the open request must be
		// resolved first, otherwise it would be stranded pending forever.
		switch session.Status {
		case model.StatusPending, model.StatusConfirmed:
		default:
			return fmt.Errorf("%w: cancel from %s", ErrInvalidStateTransition, session.Status)
		}

		payment, err = tx.PaymentForUpdate(ctx, session.ID)
		switch {
		case err == nil:
			havePayment = payment.Status == model.PaymentCaptured
		case errors.Is(err, storage.ErrNotFound):
			// Pending sessions have no payment yet; nothing to refund.
		default:
			return err
		}
		if havePayment {
			refundCents, percent = policy.RefundAmount(payment.AmountCents, now, session.StartAt)
		}

		session.Status = model.StatusCancelled
		session.CancelReason = strings.TrimSpace(reason)
		if err := tx.SaveSession(ctx, &session); err != nil {
			return err
		}
		if err := tx.ReleaseSlot(ctx, session.SlotID); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, sessionEvent(outbox.EventSessionCancelled, &session, map[string]any{
			"cancelled_by":   actor.UserID,
			"reason":         session.CancelReason,
			"refund_cents":   refundCents,
			"refund_percent": percent,
		}))
	})
	if err != nil {
		return CancelResult{}, err
	}

	result := CancelResult{
		Session:       session,
		RefundCents:   refundCents,
		RefundPercent: percent,
		RefundStatus:  "none",
	}
	if havePayment && refundCents > 0 {
		if refundErr := s.issueRefund(ctx, session.ID, payment, refundCents); refundErr != nil {
			result.RefundStatus = "refund_failed"
		} else {
			result.RefundStatus = "refunded"
		}
	}

	s.log.InfoContext(ctx, "session cancelled",
		"session_id", session.ID, "by", actor.UserID, "refund_cents", refundCents, "refund_percent", percent)
	return result, nil
}

// issueRefund calls the gateway after the cancellation has committed, then
// records the outcome on the payment row.
func (s *Service) issueRefund(ctx context.Context, sessionID string, payment model.Payment, refundCents int64) error {
	gateway, err := s.gateways.Get(payment.Gateway)

	var refundErr error
	if err != nil {
		refundErr = err
	} else {
		_, refundErr = gateway.Refund(ctx, payment.GatewayTxnID, refundCents)
	}

	now := s.clock.Now()
	updateErr := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		p, err := tx.PaymentForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if refundErr != nil {
			p.FailureReason = refundErr.Error()
		} else {
			p.Status = model.PaymentRefunded
			p.RefundCents = refundCents
			p.RefundedAt = &now
		}
		return tx.SavePayment(ctx, &p)
	})

	if refundErr != nil {
		s.log.ErrorContext(ctx, "refund failed, kept for reconciliation",
			"session_id", sessionID, "gateway", payment.Gateway, "err", refundErr)
	}
	if updateErr != nil {
		s.log.ErrorContext(ctx, "failed to record refund outcome", "session_id", sessionID, "err", updateErr)
	}
	return refundErr
}

// JoinResult carries what a participant needs to enter the meeting.
type JoinResult struct {
	MeetingURL       string
	MinutesRemaining int
}

// Join admits a participant inside the window [start-15m, end+15m]. The first
// join moves a confirmed session to in_progress.
func (s *Service) Join(ctx context.Context, actor httpx.Actor, sessionID string) (JoinResult, error) {
	now := s.clock.Now()
	var result JoinResult
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		session, err := s.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if !session.Participant(actor.UserID) {
			return ErrNotAuthorized
		}
		if session.Status != model.StatusConfirmed && session.Status != model.StatusInProgress {
			return fmt.Errorf("%w: join from %s", ErrInvalidStateTransition, session.Status)
		}

		window := policy.EvaluateJoinWindow(now, session.StartAt, session.EndAt)
		if window.Ended {
			return ErrTooLate
		}
		if !window.Open {
			return &TooEarlyError{MinutesUntilOpen: window.MinutesUntilOpen}
		}
		if session.MeetingURL == "" {
			return ErrMeetingNotReady
		}

		if session.Status == model.StatusConfirmed {
			session.Status = model.StatusInProgress
			if err := tx.SaveSession(ctx, &session); err != nil {
				return err
			}
		}
		result = JoinResult{MeetingURL: session.MeetingURL, MinutesRemaining: window.MinutesRemaining}
		return nil
	})
	if err != nil {
		return JoinResult{}, err
	}
	return result, nil
}

// Complete finishes an in-progress session. Only the session's mentor or an
// admin may complete; completion schedules the payout hold release and the
// review request.
func (s *Service) Complete(ctx context.Context, actor httpx.Actor, sessionID string) (model.Session, error) {
	now := s.clock.Now()
	var session model.Session
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		session, err = s.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if actor.UserID != session.MentorID && !actor.IsAdmin() {
			return ErrNotAuthorized
		}
		switch session.Status {
		case model.StatusInProgress:
		case model.StatusConfirmed:
			// The mentor may close out a session nobody joined through the
			// platform, but only once its scheduled start has passed.
			if now.Before(session.StartAt) {
				return fmt.Errorf("%w: complete before scheduled start", ErrInvalidStateTransition)
			}
		default:
			return fmt.Errorf("%w: complete from %s", ErrInvalidStateTransition, session.Status)
		}
		return s.completeLocked(ctx, tx, &session, now)
	})
	if err != nil {
		return model.Session{}, err
	}

	s.log.InfoContext(ctx, "session completed", "session_id", session.ID, "by", actor.UserID)
	return session, nil
}

// CompleteExpired is the auto-terminate path: an in-progress session whose end
// passed without the mentor marking it complete gets completed by the worker.
func (s *Service) CompleteExpired(ctx context.Context, tx storage.Tx, session *model.Session) error {
	return s.completeLocked(ctx, tx, session, s.clock.Now())
}

func (s *Service) completeLocked(ctx context.Context, tx storage.Tx, session *model.Session, now time.Time) error {
	session.Status = model.StatusCompleted
	session.CompletedAt = &now
	if err := tx.SaveSession(ctx, session); err != nil {
		return err
	}
	if err := tx.EnqueueJob(ctx, session.ID, storage.JobReleaseHold, now.Add(PayoutHoldDuration)); err != nil {
		return err
	}
	if err := tx.EnqueueJob(ctx, session.ID, storage.JobReviewRequest, now.Add(ReviewRequestDelay)); err != nil {
		return err
	}
	return tx.AppendEvent(ctx, sessionEvent(outbox.EventSessionCompleted, session, nil))
}

// MarkNoShow flags a confirmed session that nobody joined. The slot is
// released; the captured payment stays held for manual arbitration since the
// record alone cannot say which side failed to appear.
func (s *Service) MarkNoShow(ctx context.Context, tx storage.Tx, session *model.Session) error {
	if session.Status != model.StatusConfirmed {
		return fmt.Errorf("%w: no_show from %s", ErrInvalidStateTransition, session.Status)
	}
	session.Status = model.StatusNoShow
	if err := tx.SaveSession(ctx, session); err != nil {
		return err
	}
	if err := tx.ReleaseSlot(ctx, session.SlotID); err != nil {
		return err
	}
	return tx.AppendEvent(ctx, sessionEvent(outbox.EventSessionNoShow, session, nil))
}

// ReleasePayout moves a captured payment to released once the post-completion
// hold has elapsed. Refunded payments are left alone.
func (s *Service) ReleasePayout(ctx context.Context, tx storage.Tx, session *model.Session) error {
	payment, err := tx.PaymentForUpdate(ctx, session.ID)
	if err != nil {
		return err
	}
	if payment.Status != model.PaymentCaptured {
		return nil
	}
	now := s.clock.Now()
	payment.Status = model.PaymentReleased
	payment.ReleasedAt = &now
	if err := tx.SavePayment(ctx, &payment); err != nil {
		return err
	}
	return tx.AppendEvent(ctx, sessionEvent(outbox.EventPayoutHoldReleased, session, map[string]any{
		"payout_cents": payment.PayoutCents,
	}))
}

// AttachMeeting stores the provisioned meeting room on the session.
func (s *Service) AttachMeeting(ctx context.Context, sessionID, meetingID, meetingURL string) error {
	return s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		session, err := s.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		session.MeetingID = meetingID
		session.MeetingURL = meetingURL
		session.MeetingFailed = false
		return tx.SaveSession(ctx, &session)
	})
}

// MarkMeetingFailed records that meeting provisioning gave up. The session
// stays confirmed; operators re-provision manually.
func (s *Service) MarkMeetingFailed(ctx context.Context, sessionID string) error {
	return s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		session, err := s.lockSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		session.MeetingFailed = true
		return tx.SaveSession(ctx, &session)
	})
}

func (s *Service) lockSession(ctx context.Context, tx storage.Tx, sessionID string) (model.Session, error) {
	session, err := tx.SessionForUpdate(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Session{}, ErrSessionNotFound
		}
		return model.Session{}, err
	}
	return session, nil
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func sessionEvent(eventType string, s *model.Session, extra map[string]any) outbox.Event {
	body := map[string]any{
		"session_id": s.ID,
		"mentee_id":  s.MenteeID,
		"mentor_id":  s.MentorID,
		"status":     string(s.Status),
		"start_at":   s.StartAt.Format(time.RFC3339),
		"end_at":     s.EndAt.Format(time.RFC3339),
	}
	for k, v := range extra {
		body[k] = v
	}
	payload, _ := json.Marshal(body)
	return outbox.Event{
		AggregateType: "session",
		AggregateID:   s.ID,
		EventType:     eventType,
		Payload:       payload,
	}
}
