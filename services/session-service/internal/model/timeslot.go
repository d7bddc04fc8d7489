package model

import "time"

// Slot durations offered by mentors. Anything else is rejected at creation time.
const (
	SlotDurationShort = 30 * time.Minute
	SlotDurationLong  = 60 * time.Minute
)

// TimeSlot is a single bookable interval published by a mentor.
// Booked is true iff SessionID is set; at most one non-cancelled session may
// reference a slot at any time.
type TimeSlot struct {
	ID              string
	MentorID        string
	StartAt         time.Time
	DurationMinutes int
	Booked          bool
	SessionID       string
	CreatedAt       time.Time
}

func (t *TimeSlot) Duration() time.Duration {
	return time.Duration(t.DurationMinutes) * time.Minute
}

func (t *TimeSlot) EndAt() time.Time {
	return t.StartAt.Add(t.Duration())
}

func ValidSlotDuration(d time.Duration) bool {
	return d == SlotDurationShort || d == SlotDurationLong
}
