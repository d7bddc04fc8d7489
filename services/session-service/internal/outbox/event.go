package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (one event type per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Event types published by the session service. The notification service
// consumes the reminder and review topics; analytics consumes the rest.
const (
	EventSessionBooked      = "sessions.session.booked.v1"
	EventSessionConfirmed   = "sessions.session.confirmed.v1"
	EventSessionCancelled   = "sessions.session.cancelled.v1"
	EventSessionCompleted   = "sessions.session.completed.v1"
	EventSessionNoShow      = "sessions.session.no_show.v1"
	EventReschedProposed    = "sessions.reschedule.proposed.v1"
	EventReschedResolved    = "sessions.reschedule.resolved.v1"
	EventJoinLinkDue        = "sessions.join_link.due.v1"
	EventReviewRequestDue   = "sessions.review_request.due.v1"
	EventPayoutHoldReleased = "sessions.payout.hold_released.v1"
	EventRecordingReady     = "sessions.recording.ready.v1"
	EventRecordingFailed    = "sessions.recording.failed.v1"
)
