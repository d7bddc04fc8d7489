package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mentorbridge/platform/libs/db"
	"github.com/mentorbridge/platform/services/session-service/internal/model"
)

// SQLStore is the pgx-backed Store implementation.
type SQLStore struct {
	pool *db.Pool
}

func NewSQLStore(pool *db.Pool) *SQLStore {
	return &SQLStore{pool: pool}
}

var _ Store = (*SQLStore)(nil)

func (s *SQLStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &sqlTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const sessionColumns = `
	id::text, mentee_id, mentor_id, slot_id::text, topic, notes,
	price_cents, currency, start_at, end_at, status,
	meeting_id, meeting_url, meeting_failed,
	recording_status, recording_key, transcript,
	cancel_reason, created_at, updated_at, completed_at`

func scanSession(row pgx.Row) (model.Session, error) {
	var s model.Session
	err := row.Scan(
		&s.ID, &s.MenteeID, &s.MentorID, &s.SlotID, &s.Topic, &s.Notes,
		&s.PriceCents, &s.Currency, &s.StartAt, &s.EndAt, &s.Status,
		&s.MeetingID, &s.MeetingURL, &s.MeetingFailed,
		&s.RecordingStatus, &s.RecordingKey, &s.Transcript,
		&s.CancelReason, &s.CreatedAt, &s.UpdatedAt, &s.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	return s, err
}

func (s *SQLStore) SessionByID(ctx context.Context, id string) (model.Session, error) {
	return scanSession(s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE id = $1
	`, id))
}

func (s *SQLStore) SlotByID(ctx context.Context, id string) (model.TimeSlot, error) {
	var t model.TimeSlot
	var sessionID *string
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, mentor_id, start_at, duration_minutes, booked, session_id::text, created_at
		FROM time_slots
		WHERE id = $1
	`, id).Scan(&t.ID, &t.MentorID, &t.StartAt, &t.DurationMinutes, &t.Booked, &sessionID, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TimeSlot{}, ErrNotFound
	}
	if err != nil {
		return model.TimeSlot{}, err
	}
	if sessionID != nil {
		t.SessionID = *sessionID
	}
	return t, nil
}

func (s *SQLStore) PaymentBySession(ctx context.Context, sessionID string) (model.Payment, error) {
	return scanPayment(s.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE session_id = $1
	`, sessionID))
}

func (s *SQLStore) ListSessionsForUser(ctx context.Context, userID string, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE mentee_id = $1 OR mentor_id = $1
		ORDER BY start_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return sessions, nil
}

func (s *SQLStore) RecordProviderEvent(ctx context.Context, provider, eventID, eventType string, payload []byte) (bool, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
	`, provider, eventID, eventType, payload)
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}
