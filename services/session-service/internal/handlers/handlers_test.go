package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/mentorbridge/platform/libs/httpx"
	"github.com/mentorbridge/platform/services/session-service/internal/booking"
	"github.com/mentorbridge/platform/services/session-service/internal/clock"
	"github.com/mentorbridge/platform/services/session-service/internal/lifecycle"
	"github.com/mentorbridge/platform/services/session-service/internal/model"
	"github.com/mentorbridge/platform/services/session-service/internal/payments"
	"github.com/mentorbridge/platform/services/session-service/internal/pricing"
	"github.com/mentorbridge/platform/services/session-service/internal/recording"
	"github.com/mentorbridge/platform/services/session-service/internal/reschedule"
	"github.com/mentorbridge/platform/services/session-service/internal/storage/storagetest"
	"github.com/mentorbridge/platform/services/session-service/internal/video"
)

var testLogger = slog.New(slog.DiscardHandler)

const (
	stripeSecret  = "whsec_stripe_test"
	meetingSecret = "whsec_meeting_test"
)

type fakeGateway struct {
	capture payments.Capture
}

func (f *fakeGateway) Name() string { return payments.GatewayStripe }

func (f *fakeGateway) VerifyCapture(context.Context, string) (payments.Capture, error) {
	return f.capture, nil
}

func (f *fakeGateway) Refund(context.Context, string, int64) (string, error) {
	return "re_test", nil
}

type harness struct {
	clk     *clock.Fixed
	mem     *storagetest.Memory
	gateway *fakeGateway
	http    http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFixed(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	mem := storagetest.NewMemory(clk)

	gw := &fakeGateway{capture: payments.Capture{TransactionID: "pi_1", AmountCents: 6000, Currency: "usd", Captured: true}}
	registry := payments.NewRegistry(gw)
	rates := pricing.NewStaticProvider(pricing.Rate{HourlyCents: 12000, Currency: "usd"})

	bookingSvc := booking.NewService(mem, rates, clk, testLogger)
	lifecycleSvc := lifecycle.NewService(mem, registry, clk, testLogger)
	rescheduleSvc := reschedule.NewService(mem, clk, testLogger)
	pipeline := recording.NewPipeline(mem, discardObjects{}, staticTranscriber{}, testLogger)

	h := New(mem, bookingSvc, lifecycleSvc, rescheduleSvc, pipeline, nil, clk, testLogger, Config{
		StripeWebhookSecret:  stripeSecret,
		MeetingWebhookSecret: meetingSecret,
	})
	mux := http.NewServeMux()
	h.Register(mux)

	return &harness{clk: clk, mem: mem, gateway: gw, http: httpx.WithActor(mux)}
}

type discardObjects struct{}

func (discardObjects) Put(context.Context, string, string, io.Reader) error { return nil }

func (discardObjects) PresignGet(_ context.Context, key string) (string, error) {
	return "https://objects.test/" + key, nil
}

type staticTranscriber struct{}

func (staticTranscriber) Transcribe(context.Context, string) (string, error) {
	return "transcript", nil
}

func (h *harness) do(t *testing.T, method, path, userID, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set(httpx.UserIDHeader, userID)
		req.Header.Set(httpx.RoleHeader, role)
	}
	rec := httptest.NewRecorder()
	h.http.ServeHTTP(rec, req)
	return rec
}

func (h *harness) seedSlot(id string, lead time.Duration) {
	h.mem.AddSlot(model.TimeSlot{
		ID:              id,
		MentorID:        "mentor-1",
		StartAt:         h.clk.Now().Add(lead),
		DurationMinutes: 30,
	})
}

func TestBookEndpoint(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		h := newHarness(t)
		h.seedSlot("slot-1", 72*time.Hour)

		rec := h.do(t, http.MethodPost, "/api/v1/sessions/book", "mentee-1", "mentee",
			map[string]string{"slot_id": "slot-1", "topic": "system design"})
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}

		var resp sessionResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Status != "pending" || resp.PriceCents != 6000 {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("no identity headers", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v1/sessions/book", "", "",
			map[string]string{"slot_id": "slot-1", "topic": "t"})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("slot conflict maps to 409", func(t *testing.T) {
		h := newHarness(t)
		h.seedSlot("slot-1", 72*time.Hour)
		first := h.do(t, http.MethodPost, "/api/v1/sessions/book", "mentee-1", "mentee",
			map[string]string{"slot_id": "slot-1", "topic": "t"})
		if first.Code != http.StatusCreated {
			t.Fatalf("first booking: %d", first.Code)
		}

		second := h.do(t, http.MethodPost, "/api/v1/sessions/book", "mentee-2", "mentee",
			map[string]string{"slot_id": "slot-1", "topic": "t"})
		if second.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", second.Code)
		}
	})

	t.Run("short notice maps to 422", func(t *testing.T) {
		h := newHarness(t)
		h.seedSlot("slot-1", 3*time.Hour)
		rec := h.do(t, http.MethodPost, "/api/v1/sessions/book", "mentee-1", "mentee",
			map[string]string{"slot_id": "slot-1", "topic": "t"})
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", rec.Code)
		}
	})
}

// bookAndConfirm walks a session through booking and payment confirmation.
func bookAndConfirm(t *testing.T, h *harness) string {
	t.Helper()
	h.seedSlot("slot-1", 72*time.Hour)
	rec := h.do(t, http.MethodPost, "/api/v1/sessions/book", "mentee-1", "mentee",
		map[string]string{"slot_id": "slot-1", "topic": "mock interview"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("book: %d %s", rec.Code, rec.Body)
	}
	var sess sessionResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &sess)

	rec = h.do(t, http.MethodPost, "/api/v1/payments/confirm", "mentee-1", "mentee",
		map[string]string{"session_id": sess.ID, "gateway": "stripe", "transaction_id": "pi_1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", rec.Code, rec.Body)
	}
	return sess.ID
}

func TestSessionFlowEndpoints(t *testing.T) {
	t.Run("confirm then cancel with refund", func(t *testing.T) {
		h := newHarness(t)
		id := bookAndConfirm(t, h)

		rec := h.do(t, http.MethodPost, "/api/v1/sessions/cancel", "mentee-1", "mentee",
			map[string]string{"session_id": id, "reason": "travel plans changed"})
		if rec.Code != http.StatusOK {
			t.Fatalf("cancel: %d %s", rec.Code, rec.Body)
		}
		var resp struct {
			Session       sessionResponse `json:"session"`
			RefundCents   int64           `json:"refund_cents"`
			RefundPercent int             `json:"refund_percent"`
			RefundStatus  string          `json:"refund_status"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp.Session.Status != "cancelled" {
			t.Errorf("status = %q, want cancelled", resp.Session.Status)
		}
		if resp.RefundCents != 6000 || resp.RefundPercent != 100 || resp.RefundStatus != "refunded" {
			t.Errorf("refund = %d/%d%%/%s, want full refund", resp.RefundCents, resp.RefundPercent, resp.RefundStatus)
		}
	})

	t.Run("join too early returns minutes", func(t *testing.T) {
		h := newHarness(t)
		id := bookAndConfirm(t, h)

		rec := h.do(t, http.MethodPost, "/api/v1/sessions/join", "mentee-1", "mentee",
			map[string]string{"session_id": id})
		if rec.Code != http.StatusConflict {
			t.Fatalf("join: %d %s", rec.Code, rec.Body)
		}
		var resp map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if _, ok := resp["minutes_until_open"]; !ok {
			t.Errorf("body %s missing minutes_until_open", rec.Body)
		}
	})

	t.Run("session detail hidden from strangers", func(t *testing.T) {
		h := newHarness(t)
		id := bookAndConfirm(t, h)

		rec := h.do(t, http.MethodGet, "/api/v1/sessions/"+id, "intruder", "mentee", nil)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})
}

func TestRecordingStatusEndpoint(t *testing.T) {
	cases := []struct {
		status model.RecordingStatus
		want   string
	}{
		{model.RecordingPending, "pending"},
		{model.RecordingProcessing, "processing"},
		{model.RecordingReady, "ready"},
		{model.RecordingFailed, "failed"},
	}

	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			h := newHarness(t)
			h.mem.AddSession(model.Session{
				ID: "sess-1", MenteeID: "mentee-1", MentorID: "mentor-1",
				Status: model.StatusCompleted, RecordingStatus: tc.status,
				RecordingKey: "recordings/sess-1/mtg-1.mp4",
			})

			rec := h.do(t, http.MethodGet, "/api/v1/sessions/sess-1/recording", "mentee-1", "mentee", nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200 regardless of recording state", rec.Code)
			}
			var resp map[string]any
			_ = json.Unmarshal(rec.Body.Bytes(), &resp)
			if resp["status"] != tc.want {
				t.Errorf("recording status = %v, want %q", resp["status"], tc.want)
			}
		})
	}
}

func TestRescheduleEndpoints(t *testing.T) {
	h := newHarness(t)
	id := bookAndConfirm(t, h)
	proposed := h.clk.Now().Add(96 * time.Hour).Format(time.RFC3339)

	short := h.do(t, http.MethodPost, "/api/v1/sessions/reschedule", "mentee-1", "mentee",
		map[string]string{"session_id": id, "proposed_start": proposed, "reason": "busy"})
	if short.Code != http.StatusUnprocessableEntity {
		t.Fatalf("short reason: %d, want 422", short.Code)
	}

	rec := h.do(t, http.MethodPost, "/api/v1/sessions/reschedule", "mentee-1", "mentee",
		map[string]string{"session_id": id, "proposed_start": proposed, "reason": "calendar conflict"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("propose: %d %s", rec.Code, rec.Body)
	}
	var proposal rescheduleResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &proposal)

	approve := true
	rec = h.do(t, http.MethodPost, "/api/v1/reschedules/resolve", "mentor-1", "mentor",
		map[string]any{"request_id": proposal.ID, "approve": &approve})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: %d %s", rec.Code, rec.Body)
	}

	sess, _ := h.mem.SessionByID(context.Background(), id)
	if sess.StartAt.Format(time.RFC3339) != proposed {
		t.Errorf("session start = %s, want %s", sess.StartAt.Format(time.RFC3339), proposed)
	}

	// Proposer trying to resolve their own request.
	rec = h.do(t, http.MethodPost, "/api/v1/reschedules/resolve", "mentee-1", "mentee",
		map[string]any{"request_id": proposal.ID, "approve": &approve})
	if rec.Code != http.StatusForbidden && rec.Code != http.StatusOK {
		// Already resolved with same outcome is a no-op 200; self-resolution is 403.
		t.Errorf("status = %d", rec.Code)
	}
}

func stripeSignedRequest(t *testing.T, payload []byte) *http.Request {
	t.Helper()
	now := time.Now()
	sig := webhook.ComputeSignature(now, payload, stripeSecret)
	header := fmt.Sprintf("t=%d,v1=%x", now.Unix(), sig)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", header)
	return req
}

func TestStripeWebhook(t *testing.T) {
	t.Run("missing signature", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(t, http.MethodPost, "/webhooks/stripe", "", "", map[string]string{"id": "evt_1"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("signed event confirms session", func(t *testing.T) {
		h := newHarness(t)
		h.seedSlot("slot-1", 72*time.Hour)
		book := h.do(t, http.MethodPost, "/api/v1/sessions/book", "mentee-1", "mentee",
			map[string]string{"slot_id": "slot-1", "topic": "t"})
		var sess sessionResponse
		_ = json.Unmarshal(book.Body.Bytes(), &sess)

		// api_version must match the pinned stripe-go API version or event
		// construction rejects the payload.
		payload := []byte(fmt.Sprintf(`{
			"id": "evt_1",
			"api_version": %q,
			"type": "payment_intent.succeeded",
			"data": {"object": {"id": "pi_1", "metadata": {"session_id": %q}}}
		}`, stripe.APIVersion, sess.ID))

		rec := httptest.NewRecorder()
		h.http.ServeHTTP(rec, stripeSignedRequest(t, payload))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}

		got, _ := h.mem.SessionByID(context.Background(), sess.ID)
		if got.Status != model.StatusConfirmed {
			t.Errorf("session status = %q, want confirmed", got.Status)
		}

		// Replayed delivery is deduplicated.
		rec = httptest.NewRecorder()
		h.http.ServeHTTP(rec, stripeSignedRequest(t, payload))
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "duplicate") {
			t.Errorf("replay: %d %s, want duplicate ack", rec.Code, rec.Body)
		}
	})
}

func meetingSignedRequest(t *testing.T, payload []byte, now time.Time) *http.Request {
	t.Helper()
	ts := fmt.Sprintf("%d", now.Unix())
	req := httptest.NewRequest(http.MethodPost, "/webhooks/meetings", bytes.NewReader(payload))
	req.Header.Set(video.TimestampHeader, ts)
	req.Header.Set(video.SignatureHeader, video.ComputeSignature(meetingSecret, ts, payload))
	return req
}

func TestMeetingsWebhook(t *testing.T) {
	t.Run("bad signature", func(t *testing.T) {
		h := newHarness(t)
		payload := []byte(`{"id":"mevt_1","event":"recording.failed","payload":{"reference":"sess-1"}}`)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/meetings", bytes.NewReader(payload))
		req.Header.Set(video.TimestampHeader, fmt.Sprintf("%d", h.clk.Now().Unix()))
		req.Header.Set(video.SignatureHeader, "v0=deadbeef")

		rec := httptest.NewRecorder()
		h.http.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("stale timestamp rejected", func(t *testing.T) {
		h := newHarness(t)
		payload := []byte(`{"id":"mevt_1","event":"recording.failed","payload":{"reference":"sess-1"}}`)

		rec := httptest.NewRecorder()
		h.http.ServeHTTP(rec, meetingSignedRequest(t, payload, h.clk.Now().Add(-10*time.Minute)))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401 for a timestamp outside tolerance", rec.Code)
		}
	})

	t.Run("recording failed marks session", func(t *testing.T) {
		h := newHarness(t)
		h.mem.AddSession(model.Session{
			ID: "sess-1", MenteeID: "mentee-1", MentorID: "mentor-1",
			Status: model.StatusCompleted, RecordingStatus: model.RecordingPending,
		})
		payload := []byte(`{"id":"mevt_1","event":"recording.failed","payload":{"reference":"sess-1","reason":"encode error"}}`)

		rec := httptest.NewRecorder()
		h.http.ServeHTTP(rec, meetingSignedRequest(t, payload, h.clk.Now()))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}

		sess, _ := h.mem.SessionByID(context.Background(), "sess-1")
		if sess.RecordingStatus != model.RecordingFailed {
			t.Errorf("recording status = %q, want failed", sess.RecordingStatus)
		}
	})

	t.Run("duplicate delivery ignored", func(t *testing.T) {
		h := newHarness(t)
		h.mem.AddSession(model.Session{
			ID: "sess-1", MenteeID: "mentee-1", MentorID: "mentor-1",
			Status: model.StatusCompleted, RecordingStatus: model.RecordingPending,
		})
		payload := []byte(`{"id":"mevt_1","event":"recording.failed","payload":{"reference":"sess-1"}}`)

		first := httptest.NewRecorder()
		h.http.ServeHTTP(first, meetingSignedRequest(t, payload, h.clk.Now()))
		second := httptest.NewRecorder()
		h.http.ServeHTTP(second, meetingSignedRequest(t, payload, h.clk.Now()))
		if !strings.Contains(second.Body.String(), "duplicate") {
			t.Errorf("replay body = %s, want duplicate ack", second.Body)
		}
	})
}
