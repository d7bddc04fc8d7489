package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mentorbridge/platform/services/session-service/internal/model"
	"github.com/mentorbridge/platform/services/session-service/internal/outbox"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSlotTaken is returned when a conditional slot reservation loses the race.
	ErrSlotTaken = errors.New("slot already booked")
	// ErrReschedulePending is returned when a second pending reschedule request
	// would be created for the same session.
	ErrReschedulePending = errors.New("reschedule request already pending")
)

// Job is one deferred action keyed by (session, kind). Re-enqueueing the same
// key is a no-op, which makes every scheduled side effect idempotent by
// construction.
type Job struct {
	ID          int64
	SessionID   string
	Kind        string
	RunAt       time.Time
	Attempts    int
	MaxAttempts int
	NextRunAt   time.Time
	Traceparent string
	Tracestate  string
}

// Tx is the set of operations available inside one transaction. Per-session
// serialization relies on SessionForUpdate row locks; per-slot exclusivity on
// the single conditional update in ReserveSlot.
type Tx interface {
	SlotForUpdate(ctx context.Context, id string) (model.TimeSlot, error)
	// ReserveSlot performs the atomic "check unbooked, then book" step.
	// Returns ErrSlotTaken when the slot is already booked.
	ReserveSlot(ctx context.Context, slotID, sessionID string) error
	ReleaseSlot(ctx context.Context, slotID string) error
	// MoveSlot updates the slot's stored start after an approved reschedule so
	// the mentor's calendar stays consistent with the session's schedule.
	MoveSlot(ctx context.Context, slotID string, startAt time.Time) error

	CreateSession(ctx context.Context, s *model.Session) error
	SessionForUpdate(ctx context.Context, id string) (model.Session, error)
	SaveSession(ctx context.Context, s *model.Session) error
	// HasOverlappingSession reports whether userID already has a live
	// (non-cancelled, non-no-show) session intersecting [start, end).
	HasOverlappingSession(ctx context.Context, userID string, start, end time.Time) (bool, error)

	CreatePayment(ctx context.Context, p *model.Payment) error
	PaymentForUpdate(ctx context.Context, sessionID string) (model.Payment, error)
	SavePayment(ctx context.Context, p *model.Payment) error

	CreateReschedule(ctx context.Context, r *model.RescheduleRequest) error
	RescheduleForUpdate(ctx context.Context, id string) (model.RescheduleRequest, error)
	SaveReschedule(ctx context.Context, r *model.RescheduleRequest) error

	HasReview(ctx context.Context, sessionID string) (bool, error)

	EnqueueJob(ctx context.Context, sessionID, kind string, runAt time.Time) error
	ClaimDueJobs(ctx context.Context, limit int) ([]Job, error)
	// DeferJob pushes a claimed job to a later instant without burning an
	// attempt. Used when an approved reschedule moved the session after the
	// job was enqueued.
	DeferJob(ctx context.Context, id int64, runAt time.Time) error
	MarkJobDone(ctx context.Context, id int64) error
	MarkJobFailed(ctx context.Context, id int64, attempts int, nextRunAt time.Time, lastError string) error

	AppendEvent(ctx context.Context, evt outbox.Event) error
}

// Store is what the booking service, lifecycle machine, reschedule arbiter,
// job executor, and handlers are written against.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	SessionByID(ctx context.Context, id string) (model.Session, error)
	SlotByID(ctx context.Context, id string) (model.TimeSlot, error)
	PaymentBySession(ctx context.Context, sessionID string) (model.Payment, error)
	ListSessionsForUser(ctx context.Context, userID string, limit int) ([]model.Session, error)

	// RecordProviderEvent deduplicates externally-signed webhook deliveries.
	// Returns false when (provider, eventID) was already recorded.
	RecordProviderEvent(ctx context.Context, provider, eventID, eventType string, payload []byte) (bool, error)
}
