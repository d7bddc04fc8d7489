package model

import "time"

type RescheduleStatus string

const (
	ReschedulePending  RescheduleStatus = "pending"
	RescheduleApproved RescheduleStatus = "approved"
	RescheduleRejected RescheduleStatus = "rejected"
)

// RescheduleRequest is a pending negotiation over a session's schedule.
// At most one pending request may exist per session; while one is pending the
// session sits in pending_reschedule and only resolution can move it.
type RescheduleRequest struct {
	ID        string
	SessionID string

	ProposedBy    string
	OriginalStart time.Time
	ProposedStart time.Time
	Reason        string

	Status     RescheduleStatus
	ResolvedAt *time.Time
	CreatedAt  time.Time
}
