package jobs

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/mentorbridge/platform/services/session-service/internal/clock"
	"github.com/mentorbridge/platform/services/session-service/internal/lifecycle"
	"github.com/mentorbridge/platform/services/session-service/internal/model"
	"github.com/mentorbridge/platform/services/session-service/internal/outbox"
	"github.com/mentorbridge/platform/services/session-service/internal/payments"
	"github.com/mentorbridge/platform/services/session-service/internal/storage"
	"github.com/mentorbridge/platform/services/session-service/internal/storage/storagetest"
	"github.com/mentorbridge/platform/services/session-service/internal/video"
)

var testLogger = slog.New(slog.DiscardHandler)

type fakeMeetings struct {
	createErr error
	created   int
	ended     []string
}

func (f *fakeMeetings) CreateMeeting(_ context.Context, _, _ string, _ time.Time, _ time.Duration) (video.Meeting, error) {
	f.created++
	if f.createErr != nil {
		return video.Meeting{}, f.createErr
	}
	return video.Meeting{ID: "mtg-1", JoinURL: "https://meet.example.com/mtg-1"}, nil
}

func (f *fakeMeetings) EndMeeting(_ context.Context, meetingID string) error {
	f.ended = append(f.ended, meetingID)
	return nil
}

type fixture struct {
	clk      *clock.Fixed
	mem      *storagetest.Memory
	meetings *fakeMeetings
	worker   *Worker
}

func newFixture(t *testing.T, status model.SessionStatus, startIn time.Duration) *fixture {
	t.Helper()
	clk := clock.NewFixed(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	mem := storagetest.NewMemory(clk)

	start := clk.Now().Add(startIn)
	mem.AddSession(model.Session{
		ID:       "sess-1",
		MenteeID: "mentee-1",
		MentorID: "mentor-1",
		SlotID:   "slot-1",
		Topic:    "mock interview",
		StartAt:  start,
		EndAt:    start.Add(time.Hour),
		Status:   status,
	})
	mem.AddSlot(model.TimeSlot{
		ID: "slot-1", MentorID: "mentor-1", StartAt: start, DurationMinutes: 60,
		Booked: true, SessionID: "sess-1",
	})

	meetings := &fakeMeetings{}
	lc := lifecycle.NewService(mem, payments.NewRegistry(), clk, testLogger)
	exec := NewExecutor(lc, meetings, clk, testLogger)
	worker := NewWorker(mem, exec, clk, testLogger, WorkerConfig{Backoff: time.Minute})
	return &fixture{clk: clk, mem: mem, meetings: meetings, worker: worker}
}

func (f *fixture) enqueue(t *testing.T, kind string, runAt time.Time) {
	t.Helper()
	err := f.mem.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.EnqueueJob(ctx, "sess-1", kind, runAt)
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", kind, err)
	}
}

func (f *fixture) session(t *testing.T) model.Session {
	t.Helper()
	sess, err := f.mem.SessionByID(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("SessionByID: %v", err)
	}
	return sess
}

func TestCreateMeetingJob(t *testing.T) {
	t.Run("attaches room", func(t *testing.T) {
		f := newFixture(t, model.StatusConfirmed, 48*time.Hour)
		f.enqueue(t, storage.JobCreateMeeting, f.clk.Now())

		if err := f.worker.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("ProcessBatch: %v", err)
		}

		sess := f.session(t)
		if sess.MeetingID != "mtg-1" || sess.MeetingURL == "" {
			t.Errorf("meeting not attached: %q %q", sess.MeetingID, sess.MeetingURL)
		}
		job, _ := f.mem.JobFor("sess-1", storage.JobCreateMeeting)
		if got := f.mem.JobStatus(job.ID); got != "done" {
			t.Errorf("job status = %q, want done", got)
		}
	})

	t.Run("cancelled session is a no-op", func(t *testing.T) {
		f := newFixture(t, model.StatusCancelled, 48*time.Hour)
		f.enqueue(t, storage.JobCreateMeeting, f.clk.Now())

		if err := f.worker.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("ProcessBatch: %v", err)
		}
		if f.meetings.created != 0 {
			t.Error("provisioned a meeting for a cancelled session")
		}
	})

	t.Run("exhausted retries flag the session", func(t *testing.T) {
		f := newFixture(t, model.StatusConfirmed, 48*time.Hour)
		f.meetings.createErr = errors.New("provider 503")
		f.enqueue(t, storage.JobCreateMeeting, f.clk.Now())

		job, _ := f.mem.JobFor("sess-1", storage.JobCreateMeeting)
		for i := 0; i < job.MaxAttempts; i++ {
			if err := f.worker.ProcessBatch(context.Background()); err != nil {
				t.Fatalf("ProcessBatch: %v", err)
			}
			f.clk.Advance(2 * time.Minute)
		}

		if got := f.mem.JobStatus(job.ID); got != "failed" {
			t.Errorf("job status = %q, want failed", got)
		}
		sess := f.session(t)
		if !sess.MeetingFailed {
			t.Error("MeetingFailed not set after exhausted retries")
		}
		if sess.Status != model.StatusConfirmed {
			t.Errorf("status = %q, want confirmed to survive provisioning failure", sess.Status)
		}
	})
}

func TestSendJoinLinkJob(t *testing.T) {
	t.Run("emits event inside window lead", func(t *testing.T) {
		f := newFixture(t, model.StatusConfirmed, 10*time.Minute)
		f.enqueue(t, storage.JobSendJoinLink, f.clk.Now())

		if err := f.worker.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("ProcessBatch: %v", err)
		}
		if types := f.mem.EventTypes(); len(types) != 1 || types[0] != outbox.EventJoinLinkDue {
			t.Errorf("events = %v, want [join link due]", types)
		}
	})

	t.Run("deferred after a reschedule moved the session", func(t *testing.T) {
		f := newFixture(t, model.StatusConfirmed, 48*time.Hour)
		// Job was enqueued for the old schedule and is due now.
		f.enqueue(t, storage.JobSendJoinLink, f.clk.Now())

		if err := f.worker.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("ProcessBatch: %v", err)
		}
		if len(f.mem.Events()) != 0 {
			t.Errorf("premature events: %v", f.mem.EventTypes())
		}
		job, _ := f.mem.JobFor("sess-1", storage.JobSendJoinLink)
		want := f.session(t).StartAt.Add(-15 * time.Minute)
		if !job.NextRunAt.Equal(want) {
			t.Errorf("next_run_at = %s, want deferred to %s", job.NextRunAt, want)
		}
		if got := f.mem.JobStatus(job.ID); got != "pending" {
			t.Errorf("job status = %q, want still pending", got)
		}
	})
}

func TestAutoTerminateJob(t *testing.T) {
	t.Run("completes a running session past its end", func(t *testing.T) {
		f := newFixture(t, model.StatusInProgress, -2*time.Hour)
		sess := f.session(t)
		sess.MeetingID = "mtg-1"
		f.mem.AddSession(sess)
		f.enqueue(t, storage.JobAutoTerminate, f.clk.Now())

		if err := f.worker.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("ProcessBatch: %v", err)
		}

		sess = f.session(t)
		if sess.Status != model.StatusCompleted {
			t.Errorf("status = %q, want completed", sess.Status)
		}
		if len(f.meetings.ended) != 1 || f.meetings.ended[0] != "mtg-1" {
			t.Errorf("ended meetings = %v, want [mtg-1]", f.meetings.ended)
		}
		if _, ok := f.mem.JobFor("sess-1", storage.JobReleaseHold); !ok {
			t.Error("release_hold not chained from auto-termination")
		}
	})

	t.Run("never-started session is left to the no-show check", func(t *testing.T) {
		f := newFixture(t, model.StatusConfirmed, -2*time.Hour)
		f.enqueue(t, storage.JobAutoTerminate, f.clk.Now())

		if err := f.worker.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("ProcessBatch: %v", err)
		}
		if sess := f.session(t); sess.Status != model.StatusConfirmed {
			t.Errorf("status = %q, want untouched confirmed", sess.Status)
		}
	})
}

func TestNoShowCheckJob(t *testing.T) {
	t.Run("marks abandoned session", func(t *testing.T) {
		f := newFixture(t, model.StatusConfirmed, -2*time.Hour)
		f.enqueue(t, storage.JobNoShowCheck, f.clk.Now())

		if err := f.worker.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("ProcessBatch: %v", err)
		}

		if sess := f.session(t); sess.Status != model.StatusNoShow {
			t.Errorf("status = %q, want no_show", sess.Status)
		}
		slot, _ := f.mem.SlotByID(context.Background(), "slot-1")
		if slot.Booked {
			t.Error("slot still booked after no-show")
		}
	})

	t.Run("completed session is a no-op", func(t *testing.T) {
		f := newFixture(t, model.StatusCompleted, -2*time.Hour)
		f.enqueue(t, storage.JobNoShowCheck, f.clk.Now())

		if err := f.worker.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("ProcessBatch: %v", err)
		}
		if sess := f.session(t); sess.Status != model.StatusCompleted {
			t.Errorf("status = %q, want completed untouched", sess.Status)
		}
	})
}

func TestReleaseHoldJob(t *testing.T) {
	f := newFixture(t, model.StatusCompleted, -100*time.Hour)
	paid := f.clk.Now()
	f.mem.AddPayment(model.Payment{
		ID: "pay-1", SessionID: "sess-1", Gateway: "stripe", GatewayTxnID: "pi_1",
		AmountCents: 6000, PayoutCents: 5100, Status: model.PaymentCaptured, PaidAt: &paid,
	})
	f.enqueue(t, storage.JobReleaseHold, f.clk.Now())

	if err := f.worker.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	pay, _ := f.mem.PaymentBySession(context.Background(), "sess-1")
	if pay.Status != model.PaymentReleased {
		t.Errorf("payment status = %q, want released", pay.Status)
	}
	if types := f.mem.EventTypes(); len(types) != 1 || types[0] != outbox.EventPayoutHoldReleased {
		t.Errorf("events = %v, want [payout hold released]", types)
	}
}

func TestReviewRequestJob(t *testing.T) {
	t.Run("emits request", func(t *testing.T) {
		f := newFixture(t, model.StatusCompleted, -50*time.Hour)
		f.enqueue(t, storage.JobReviewRequest, f.clk.Now())

		if err := f.worker.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("ProcessBatch: %v", err)
		}
		if types := f.mem.EventTypes(); len(types) != 1 || types[0] != outbox.EventReviewRequestDue {
			t.Errorf("events = %v, want [review request due]", types)
		}
	})

	t.Run("skips when a review exists", func(t *testing.T) {
		f := newFixture(t, model.StatusCompleted, -50*time.Hour)
		f.mem.SetReview("sess-1")
		f.enqueue(t, storage.JobReviewRequest, f.clk.Now())

		if err := f.worker.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("ProcessBatch: %v", err)
		}
		if len(f.mem.Events()) != 0 {
			t.Errorf("unexpected events: %v", f.mem.EventTypes())
		}
	})
}
