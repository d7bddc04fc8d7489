package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mentorbridge/platform/services/session-service/internal/model"
	"github.com/mentorbridge/platform/services/session-service/internal/outbox"
)

type sqlTx struct {
	tx     pgx.Tx
	outbox outbox.Repository
}

var _ Tx = (*sqlTx)(nil)

func (t *sqlTx) SlotForUpdate(ctx context.Context, id string) (model.TimeSlot, error) {
	var slot model.TimeSlot
	var sessionID *string
	err := t.tx.QueryRow(ctx, `
		SELECT id::text, mentor_id, start_at, duration_minutes, booked, session_id::text, created_at
		FROM time_slots
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&slot.ID, &slot.MentorID, &slot.StartAt, &slot.DurationMinutes, &slot.Booked, &sessionID, &slot.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TimeSlot{}, ErrNotFound
	}
	if err != nil {
		return model.TimeSlot{}, err
	}
	if sessionID != nil {
		slot.SessionID = *sessionID
	}
	return slot, nil
}

// ReserveSlot closes the double-booking race: the booked check and the flip are
// one conditional statement, so concurrent bookers see exactly one row updated.
func (t *sqlTx) ReserveSlot(ctx context.Context, slotID, sessionID string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE time_slots
		SET booked = TRUE, session_id = $2
		WHERE id = $1 AND NOT booked
	`, slotID, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotTaken
	}
	return nil
}

func (t *sqlTx) ReleaseSlot(ctx context.Context, slotID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE time_slots
		SET booked = FALSE, session_id = NULL
		WHERE id = $1
	`, slotID)
	return err
}

func (t *sqlTx) MoveSlot(ctx context.Context, slotID string, startAt time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE time_slots
		SET start_at = $2
		WHERE id = $1
	`, slotID, startAt)
	return err
}

func (t *sqlTx) CreateSession(ctx context.Context, s *model.Session) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO sessions
			(id, mentee_id, mentor_id, slot_id, topic, notes, price_cents, currency, start_at, end_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, s.ID, s.MenteeID, s.MentorID, s.SlotID, s.Topic, s.Notes,
		s.PriceCents, s.Currency, s.StartAt, s.EndAt, s.Status).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (t *sqlTx) SessionForUpdate(ctx context.Context, id string) (model.Session, error) {
	return scanSession(t.tx.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE id = $1
		FOR UPDATE
	`, id))
}

func (t *sqlTx) SaveSession(ctx context.Context, s *model.Session) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE sessions
		SET status = $2,
			price_cents = $3,
			start_at = $4,
			end_at = $5,
			meeting_id = $6,
			meeting_url = $7,
			meeting_failed = $8,
			recording_status = $9,
			recording_key = $10,
			transcript = $11,
			cancel_reason = $12,
			completed_at = $13,
			updated_at = now()
		WHERE id = $1
	`, s.ID, s.Status, s.PriceCents, s.StartAt, s.EndAt,
		s.MeetingID, s.MeetingURL, s.MeetingFailed,
		s.RecordingStatus, s.RecordingKey, s.Transcript,
		s.CancelReason, s.CompletedAt)
	return err
}

func (t *sqlTx) HasOverlappingSession(ctx context.Context, userID string, start, end time.Time) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM sessions
			WHERE (mentee_id = $1 OR mentor_id = $1)
				AND status NOT IN ('cancelled', 'no_show')
				AND start_at < $3
				AND end_at > $2
		)
	`, userID, start, end).Scan(&exists)
	return exists, err
}

func (t *sqlTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, evt)
}
