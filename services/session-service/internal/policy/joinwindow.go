package policy

import "time"

// Participants may enter the meeting from 15 minutes before the scheduled start
// until 15 minutes after the scheduled end.
const JoinWindowMargin = 15 * time.Minute

// Booking requires at least this much notice before the slot's start.
const AdvanceNotice = 24 * time.Hour

// Reschedules must be proposed at least this long before the current start.
const RescheduleNotice = 24 * time.Hour

// JoinWindow describes where now falls relative to a session's join window.
type JoinWindow struct {
	Open bool
	// MinutesUntilOpen is set when the window has not opened yet.
	MinutesUntilOpen int
	// Ended is true when the window has already closed.
	Ended bool
	// MinutesRemaining is the time left inside an open window.
	MinutesRemaining int
}

func EvaluateJoinWindow(now, startAt, endAt time.Time) JoinWindow {
	opens := startAt.Add(-JoinWindowMargin)
	closes := endAt.Add(JoinWindowMargin)

	if now.Before(opens) {
		return JoinWindow{
			MinutesUntilOpen: int(opens.Sub(now).Round(time.Minute) / time.Minute),
		}
	}
	if now.After(closes) {
		return JoinWindow{Ended: true}
	}
	return JoinWindow{
		Open:             true,
		MinutesRemaining: int(closes.Sub(now).Round(time.Minute) / time.Minute),
	}
}

// BookableAt reports whether a slot starting at startAt can still be booked at now.
func BookableAt(now, startAt time.Time) bool {
	return startAt.Sub(now) >= AdvanceNotice
}

// ReschedulableAt reports whether a session starting at startAt may still enter
// reschedule negotiation at now.
func ReschedulableAt(now, startAt time.Time) bool {
	return startAt.Sub(now) >= RescheduleNotice
}
