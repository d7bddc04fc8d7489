// Package storagetest provides an in-memory storage.Store for unit tests.
// InTx serializes transactions behind one mutex, which models the row-lock
// ordering the SQL store provides, and rolls state back when fn fails.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mentorbridge/platform/services/session-service/internal/clock"
	"github.com/mentorbridge/platform/services/session-service/internal/model"
	"github.com/mentorbridge/platform/services/session-service/internal/outbox"
	"github.com/mentorbridge/platform/services/session-service/internal/storage"
)

type Memory struct {
	mu    sync.Mutex
	Clock clock.Clock

	slots       map[string]model.TimeSlot
	sessions    map[string]model.Session
	payments    map[string]model.Payment // keyed by session id
	reschedules map[string]model.RescheduleRequest
	reviews     map[string]bool
	jobs        []storage.Job
	jobStatus   map[int64]string
	jobSeq      int64
	events      []outbox.Event
	provEvents  map[string]bool
}

func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.System()
	}
	return &Memory{
		Clock:       c,
		slots:       map[string]model.TimeSlot{},
		sessions:    map[string]model.Session{},
		payments:    map[string]model.Payment{},
		reschedules: map[string]model.RescheduleRequest{},
		reviews:     map[string]bool{},
		jobStatus:   map[int64]string{},
		provEvents:  map[string]bool{},
	}
}

var _ storage.Store = (*Memory)(nil)

func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(ctx, &memTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	slots       map[string]model.TimeSlot
	sessions    map[string]model.Session
	payments    map[string]model.Payment
	reschedules map[string]model.RescheduleRequest
	jobs        []storage.Job
	jobStatus   map[int64]string
	jobSeq      int64
	events      []outbox.Event
}

func (m *Memory) snapshot() memSnapshot {
	return memSnapshot{
		slots:       copyMap(m.slots),
		sessions:    copyMap(m.sessions),
		payments:    copyMap(m.payments),
		reschedules: copyMap(m.reschedules),
		jobs:        append([]storage.Job(nil), m.jobs...),
		jobStatus:   copyMap(m.jobStatus),
		jobSeq:      m.jobSeq,
		events:      append([]outbox.Event(nil), m.events...),
	}
}

func (m *Memory) restore(s memSnapshot) {
	m.slots = s.slots
	m.sessions = s.sessions
	m.payments = s.payments
	m.reschedules = s.reschedules
	m.jobs = s.jobs
	m.jobStatus = s.jobStatus
	m.jobSeq = s.jobSeq
	m.events = s.events
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Seed helpers.

func (m *Memory) AddSlot(t model.TimeSlot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[t.ID] = t
}

func (m *Memory) AddSession(s model.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *Memory) AddPayment(p model.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.SessionID] = p
}

func (m *Memory) AddReschedule(r model.RescheduleRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reschedules[r.ID] = r
}

func (m *Memory) SetReview(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviews[sessionID] = true
}

// Inspection helpers.

func (m *Memory) Events() []outbox.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]outbox.Event(nil), m.events...)
}

func (m *Memory) EventTypes() []string {
	var types []string
	for _, e := range m.Events() {
		types = append(types, e.EventType)
	}
	return types
}

func (m *Memory) JobFor(sessionID, kind string) (storage.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.SessionID == sessionID && j.Kind == kind {
			return j, true
		}
	}
	return storage.Job{}, false
}

func (m *Memory) JobStatus(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobStatus[id]
}

// Read-only Store methods.

func (m *Memory) SessionByID(_ context.Context, id string) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, storage.ErrNotFound
	}
	return s, nil
}

func (m *Memory) SlotByID(_ context.Context, id string) (model.TimeSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.slots[id]
	if !ok {
		return model.TimeSlot{}, storage.ErrNotFound
	}
	return t, nil
}

func (m *Memory) PaymentBySession(_ context.Context, sessionID string) (model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[sessionID]
	if !ok {
		return model.Payment{}, storage.ErrNotFound
	}
	return p, nil
}

func (m *Memory) ListSessionsForUser(_ context.Context, userID string, limit int) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Session
	for _, s := range m.sessions {
		if s.MenteeID == userID || s.MentorID == userID {
			out = append(out, s)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) RecordProviderEvent(_ context.Context, provider, eventID, _ string, _ []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := provider + ":" + eventID
	if m.provEvents[key] {
		return false, nil
	}
	m.provEvents[key] = true
	return true, nil
}

// memTx operates on the already-locked Memory.

type memTx struct {
	m *Memory
}

var _ storage.Tx = (*memTx)(nil)

func (t *memTx) SlotForUpdate(_ context.Context, id string) (model.TimeSlot, error) {
	s, ok := t.m.slots[id]
	if !ok {
		return model.TimeSlot{}, storage.ErrNotFound
	}
	return s, nil
}

func (t *memTx) ReserveSlot(_ context.Context, slotID, sessionID string) error {
	s, ok := t.m.slots[slotID]
	if !ok {
		return storage.ErrNotFound
	}
	if s.Booked {
		return storage.ErrSlotTaken
	}
	s.Booked = true
	s.SessionID = sessionID
	t.m.slots[slotID] = s
	return nil
}

func (t *memTx) ReleaseSlot(_ context.Context, slotID string) error {
	s, ok := t.m.slots[slotID]
	if !ok {
		return storage.ErrNotFound
	}
	s.Booked = false
	s.SessionID = ""
	t.m.slots[slotID] = s
	return nil
}

func (t *memTx) MoveSlot(_ context.Context, slotID string, startAt time.Time) error {
	s, ok := t.m.slots[slotID]
	if !ok {
		return storage.ErrNotFound
	}
	s.StartAt = startAt
	t.m.slots[slotID] = s
	return nil
}

func (t *memTx) CreateSession(_ context.Context, s *model.Session) error {
	now := t.m.Clock.Now()
	s.CreatedAt = now
	s.UpdatedAt = now
	t.m.sessions[s.ID] = *s
	return nil
}

func (t *memTx) SessionForUpdate(_ context.Context, id string) (model.Session, error) {
	s, ok := t.m.sessions[id]
	if !ok {
		return model.Session{}, storage.ErrNotFound
	}
	return s, nil
}

func (t *memTx) SaveSession(_ context.Context, s *model.Session) error {
	if _, ok := t.m.sessions[s.ID]; !ok {
		return storage.ErrNotFound
	}
	s.UpdatedAt = t.m.Clock.Now()
	t.m.sessions[s.ID] = *s
	return nil
}

func (t *memTx) HasOverlappingSession(_ context.Context, userID string, start, end time.Time) (bool, error) {
	for _, s := range t.m.sessions {
		if s.MenteeID != userID && s.MentorID != userID {
			continue
		}
		if s.Status == model.StatusCancelled || s.Status == model.StatusNoShow {
			continue
		}
		if s.StartAt.Before(end) && s.EndAt.After(start) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CreatePayment(_ context.Context, p *model.Payment) error {
	p.CreatedAt = t.m.Clock.Now()
	t.m.payments[p.SessionID] = *p
	return nil
}

func (t *memTx) PaymentForUpdate(_ context.Context, sessionID string) (model.Payment, error) {
	p, ok := t.m.payments[sessionID]
	if !ok {
		return model.Payment{}, storage.ErrNotFound
	}
	return p, nil
}

func (t *memTx) SavePayment(_ context.Context, p *model.Payment) error {
	t.m.payments[p.SessionID] = *p
	return nil
}

func (t *memTx) CreateReschedule(_ context.Context, r *model.RescheduleRequest) error {
	for _, existing := range t.m.reschedules {
		if existing.SessionID == r.SessionID && existing.Status == model.ReschedulePending {
			return storage.ErrReschedulePending
		}
	}
	r.CreatedAt = t.m.Clock.Now()
	t.m.reschedules[r.ID] = *r
	return nil
}

func (t *memTx) RescheduleForUpdate(_ context.Context, id string) (model.RescheduleRequest, error) {
	r, ok := t.m.reschedules[id]
	if !ok {
		return model.RescheduleRequest{}, storage.ErrNotFound
	}
	return r, nil
}

func (t *memTx) SaveReschedule(_ context.Context, r *model.RescheduleRequest) error {
	t.m.reschedules[r.ID] = *r
	return nil
}

func (t *memTx) HasReview(_ context.Context, sessionID string) (bool, error) {
	return t.m.reviews[sessionID], nil
}

func (t *memTx) EnqueueJob(_ context.Context, sessionID, kind string, runAt time.Time) error {
	for _, j := range t.m.jobs {
		if j.SessionID == sessionID && j.Kind == kind {
			return nil
		}
	}
	t.m.jobSeq++
	t.m.jobs = append(t.m.jobs, storage.Job{
		ID:          t.m.jobSeq,
		SessionID:   sessionID,
		Kind:        kind,
		RunAt:       runAt,
		MaxAttempts: 5,
		NextRunAt:   runAt,
	})
	t.m.jobStatus[t.m.jobSeq] = "pending"
	return nil
}

func (t *memTx) ClaimDueJobs(_ context.Context, limit int) ([]storage.Job, error) {
	now := t.m.Clock.Now()
	var due []storage.Job
	for _, j := range t.m.jobs {
		if t.m.jobStatus[j.ID] != "pending" || j.NextRunAt.After(now) {
			continue
		}
		due = append(due, j)
		if len(due) >= limit {
			break
		}
	}
	return due, nil
}

func (t *memTx) DeferJob(_ context.Context, id int64, runAt time.Time) error {
	for i := range t.m.jobs {
		if t.m.jobs[i].ID == id {
			t.m.jobs[i].RunAt = runAt
			t.m.jobs[i].NextRunAt = runAt
			return nil
		}
	}
	return fmt.Errorf("job %d not found", id)
}

func (t *memTx) MarkJobDone(_ context.Context, id int64) error {
	t.m.jobStatus[id] = "done"
	return nil
}

func (t *memTx) MarkJobFailed(_ context.Context, id int64, attempts int, nextRunAt time.Time, lastError string) error {
	for i := range t.m.jobs {
		if t.m.jobs[i].ID != id {
			continue
		}
		t.m.jobs[i].Attempts = attempts
		t.m.jobs[i].NextRunAt = nextRunAt
		if attempts >= t.m.jobs[i].MaxAttempts {
			t.m.jobStatus[id] = "failed"
		}
		return nil
	}
	return fmt.Errorf("job %d not found", id)
}

func (t *memTx) AppendEvent(_ context.Context, evt outbox.Event) error {
	t.m.events = append(t.m.events, evt)
	return nil
}
