package model

import "time"

type SessionStatus string

const (
	StatusPending           SessionStatus = "pending"
	StatusConfirmed         SessionStatus = "confirmed"
	StatusInProgress        SessionStatus = "in_progress"
	StatusCompleted         SessionStatus = "completed"
	StatusCancelled         SessionStatus = "cancelled"
	StatusNoShow            SessionStatus = "no_show"
	StatusPendingReschedule SessionStatus = "pending_reschedule"
)

// Terminal reports whether no further lifecycle transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

type RecordingStatus string

const (
	RecordingPending    RecordingStatus = "pending"
	RecordingProcessing RecordingStatus = "processing"
	RecordingReady      RecordingStatus = "ready"
	RecordingFailed     RecordingStatus = "failed"
)

// Session is one scheduled, paid mentorship meeting between a mentee and a mentor.
// Price and schedule are frozen at booking time; only an approved reschedule may
// move the schedule afterwards. Rows are never deleted.
type Session struct {
	ID       string
	MenteeID string
	MentorID string
	SlotID   string

	Topic string
	Notes string

	PriceCents int64
	Currency   string

	StartAt time.Time
	EndAt   time.Time

	Status SessionStatus

	MeetingID     string
	MeetingURL    string
	MeetingFailed bool

	RecordingStatus RecordingStatus
	RecordingKey    string
	Transcript      string

	CancelReason string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Participant reports whether userID is the mentee or the mentor on this session.
func (s *Session) Participant(userID string) bool {
	return userID != "" && (userID == s.MenteeID || userID == s.MentorID)
}

// OtherParty returns the counterpart of userID on the session, or "" when
// userID is not a participant.
func (s *Session) OtherParty(userID string) string {
	switch userID {
	case s.MenteeID:
		return s.MentorID
	case s.MentorID:
		return s.MenteeID
	}
	return ""
}
