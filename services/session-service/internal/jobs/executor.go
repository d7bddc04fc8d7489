// Package jobs runs the scheduler: deferred actions claimed in batches with
// FOR UPDATE SKIP LOCKED and executed inside the claiming transaction, so a
// crash before commit returns the job to the queue untouched.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mentorbridge/platform/services/session-service/internal/clock"
	"github.com/mentorbridge/platform/services/session-service/internal/lifecycle"
	"github.com/mentorbridge/platform/services/session-service/internal/model"
	"github.com/mentorbridge/platform/services/session-service/internal/outbox"
	"github.com/mentorbridge/platform/services/session-service/internal/policy"
	"github.com/mentorbridge/platform/services/session-service/internal/storage"
	"github.com/mentorbridge/platform/services/session-service/internal/video"
)

// ErrDeferred signals that the job fired before its effective time (the
// session was rescheduled after enqueue) and has been pushed forward rather
// than executed. It does not count as an attempt.
var ErrDeferred = errors.New("job deferred to a later run")

type Executor struct {
	lifecycle *lifecycle.Service
	meetings  video.Provider
	clock     clock.Clock
	log       *slog.Logger
}

func NewExecutor(lc *lifecycle.Service, meetings video.Provider, clk clock.Clock, log *slog.Logger) *Executor {
	if clk == nil {
		clk = clock.System()
	}
	return &Executor{lifecycle: lc, meetings: meetings, clock: clk, log: log}
}

// Execute runs one claimed job against the session's current state. Sessions
// move on while jobs wait, so every kind re-checks state and treats a stale
// job as a no-op rather than an error.
func (e *Executor) Execute(ctx context.Context, tx storage.Tx, job storage.Job) error {
	session, err := tx.SessionForUpdate(ctx, job.SessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.log.WarnContext(ctx, "job references missing session", "job_id", job.ID, "session_id", job.SessionID)
			return nil
		}
		return err
	}

	switch job.Kind {
	case storage.JobCreateMeeting:
		return e.createMeeting(ctx, tx, &session)
	case storage.JobSendJoinLink:
		return e.sendJoinLink(ctx, tx, job, &session)
	case storage.JobAutoTerminate:
		return e.autoTerminate(ctx, tx, job, &session)
	case storage.JobNoShowCheck:
		return e.noShowCheck(ctx, tx, job, &session)
	case storage.JobReleaseHold:
		return e.releaseHold(ctx, tx, &session)
	case storage.JobReviewRequest:
		return e.reviewRequest(ctx, tx, &session)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// OnExhausted is called once a job has burned its last attempt.
func (e *Executor) OnExhausted(ctx context.Context, tx storage.Tx, job storage.Job) error {
	if job.Kind != storage.JobCreateMeeting {
		return nil
	}
	// Provisioning gave up; flag the session for manual intervention but keep
	// it confirmed so the booking is not lost.
	session, err := tx.SessionForUpdate(ctx, job.SessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	session.MeetingFailed = true
	return tx.SaveSession(ctx, &session)
}

func (e *Executor) createMeeting(ctx context.Context, tx storage.Tx, session *model.Session) error {
	if session.Status != model.StatusConfirmed || session.MeetingID != "" {
		return nil
	}
	meeting, err := e.meetings.CreateMeeting(ctx, session.ID, session.Topic, session.StartAt, session.EndAt.Sub(session.StartAt))
	if err != nil {
		return fmt.Errorf("provision meeting for session %s: %w", session.ID, err)
	}
	session.MeetingID = meeting.ID
	session.MeetingURL = meeting.JoinURL
	session.MeetingFailed = false
	return tx.SaveSession(ctx, session)
}

func (e *Executor) sendJoinLink(ctx context.Context, tx storage.Tx, job storage.Job, session *model.Session) error {
	if session.Status != model.StatusConfirmed && session.Status != model.StatusInProgress {
		return nil
	}
	if due := session.StartAt.Add(-policy.JoinWindowMargin); e.clock.Now().Before(due) {
		if err := tx.DeferJob(ctx, job.ID, due); err != nil {
			return err
		}
		return ErrDeferred
	}

	payload, _ := json.Marshal(map[string]any{
		"session_id":  session.ID,
		"mentee_id":   session.MenteeID,
		"mentor_id":   session.MentorID,
		"meeting_url": session.MeetingURL,
		"start_at":    session.StartAt.Format(time.RFC3339),
	})
	return tx.AppendEvent(ctx, outbox.Event{
		AggregateType: "session",
		AggregateID:   session.ID,
		EventType:     outbox.EventJoinLinkDue,
		Payload:       payload,
	})
}

func (e *Executor) autoTerminate(ctx context.Context, tx storage.Tx, job storage.Job, session *model.Session) error {
	if session.Status != model.StatusInProgress && session.Status != model.StatusConfirmed {
		return nil
	}
	if due := session.EndAt.Add(lifecycle.AutoTerminateGrace); e.clock.Now().Before(due) {
		if err := tx.DeferJob(ctx, job.ID, due); err != nil {
			return err
		}
		return ErrDeferred
	}
	// A session nobody started is left for the no-show check.
	if session.Status != model.StatusInProgress {
		return nil
	}

	if session.MeetingID != "" {
		if err := e.meetings.EndMeeting(ctx, session.MeetingID); err != nil {
			return fmt.Errorf("end meeting %s: %w", session.MeetingID, err)
		}
	}
	return e.lifecycle.CompleteExpired(ctx, tx, session)
}

func (e *Executor) noShowCheck(ctx context.Context, tx storage.Tx, job storage.Job, session *model.Session) error {
	if session.Status != model.StatusConfirmed {
		return nil
	}
	if due := session.EndAt.Add(lifecycle.NoShowGrace); e.clock.Now().Before(due) {
		if err := tx.DeferJob(ctx, job.ID, due); err != nil {
			return err
		}
		return ErrDeferred
	}
	return e.lifecycle.MarkNoShow(ctx, tx, session)
}

func (e *Executor) releaseHold(ctx context.Context, tx storage.Tx, session *model.Session) error {
	if session.Status != model.StatusCompleted {
		return nil
	}
	return e.lifecycle.ReleasePayout(ctx, tx, session)
}

func (e *Executor) reviewRequest(ctx context.Context, tx storage.Tx, session *model.Session) error {
	if session.Status != model.StatusCompleted {
		return nil
	}
	reviewed, err := tx.HasReview(ctx, session.ID)
	if err != nil {
		return err
	}
	if reviewed {
		return nil
	}

	payload, _ := json.Marshal(map[string]any{
		"session_id": session.ID,
		"mentee_id":  session.MenteeID,
		"mentor_id":  session.MentorID,
	})
	return tx.AppendEvent(ctx, outbox.Event{
		AggregateType: "session",
		AggregateID:   session.ID,
		EventType:     outbox.EventReviewRequestDue,
		Payload:       payload,
	})
}
