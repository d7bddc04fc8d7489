package recording

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mentorbridge/platform/services/session-service/internal/clock"
	"github.com/mentorbridge/platform/services/session-service/internal/model"
	"github.com/mentorbridge/platform/services/session-service/internal/outbox"
	"github.com/mentorbridge/platform/services/session-service/internal/storage/storagetest"
)

var testLogger = slog.New(slog.DiscardHandler)

type memObjects struct {
	puts map[string][]byte
	err  error
}

func (m *memObjects) Put(_ context.Context, key, _ string, body io.Reader) error {
	if m.err != nil {
		return m.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if m.puts == nil {
		m.puts = map[string][]byte{}
	}
	m.puts[key] = data
	return nil
}

func (m *memObjects) PresignGet(_ context.Context, key string) (string, error) {
	return "https://objects.test/" + key, nil
}

type stubTranscriber struct {
	text string
	err  error

	gotURL string
}

func (s *stubTranscriber) Transcribe(_ context.Context, mediaURL string) (string, error) {
	s.gotURL = mediaURL
	return s.text, s.err
}

func seedSession(mem *storagetest.Memory, recStatus model.RecordingStatus) {
	mem.AddSession(model.Session{
		ID:              "sess-1",
		MenteeID:        "mentee-1",
		MentorID:        "mentor-1",
		SlotID:          "slot-1",
		MeetingID:       "mtg-1",
		Status:          model.StatusCompleted,
		RecordingStatus: recStatus,
	})
}

func TestProcessHappyPath(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "fake-mp4-bytes")
	}))
	defer provider.Close()

	mem := storagetest.NewMemory(clock.NewFixed(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)))
	seedSession(mem, model.RecordingPending)
	objects := &memObjects{}
	transcriber := &stubTranscriber{text: "hello world"}

	p := NewPipeline(mem, objects, transcriber, testLogger)
	if err := p.Process(context.Background(), "sess-1", provider.URL+"/rec.mp4"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// The transcriber reads our archived copy, not the provider URL.
	if transcriber.gotURL != "https://objects.test/recordings/sess-1/mtg-1.mp4" {
		t.Errorf("transcriber fetched %q, want the stored object", transcriber.gotURL)
	}

	sess, _ := mem.SessionByID(context.Background(), "sess-1")
	if sess.RecordingStatus != model.RecordingReady {
		t.Errorf("recording status = %q, want ready", sess.RecordingStatus)
	}
	if sess.RecordingKey != "recordings/sess-1/mtg-1.mp4" {
		t.Errorf("recording key = %q", sess.RecordingKey)
	}
	if sess.Transcript != "hello world" {
		t.Errorf("transcript = %q", sess.Transcript)
	}

	if got := string(objects.puts[sess.RecordingKey]); got != "fake-mp4-bytes" {
		t.Errorf("archived bytes = %q", got)
	}

	types := mem.EventTypes()
	if len(types) != 1 || types[0] != outbox.EventRecordingReady {
		t.Errorf("events = %v, want [recording ready]", types)
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	mem := storagetest.NewMemory(clock.NewFixed(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)))
	seedSession(mem, model.RecordingReady)
	objects := &memObjects{}

	p := NewPipeline(mem, objects, &stubTranscriber{text: "new text"}, testLogger)
	if err := p.Process(context.Background(), "sess-1", "http://unused.invalid/rec.mp4"); err != nil {
		t.Fatalf("Process on ready session: %v", err)
	}
	if len(objects.puts) != 0 {
		t.Error("redelivery re-archived the recording")
	}
	if len(mem.Events()) != 0 {
		t.Errorf("redelivery emitted events: %v", mem.EventTypes())
	}
}

func TestProcessFailures(t *testing.T) {
	t.Run("download error", func(t *testing.T) {
		provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gone", http.StatusNotFound)
		}))
		defer provider.Close()

		mem := storagetest.NewMemory(clock.NewFixed(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)))
		seedSession(mem, model.RecordingPending)

		p := NewPipeline(mem, &memObjects{}, &stubTranscriber{}, testLogger)
		if err := p.Process(context.Background(), "sess-1", provider.URL+"/rec.mp4"); err == nil {
			t.Fatal("Process succeeded against 404 download")
		}

		sess, _ := mem.SessionByID(context.Background(), "sess-1")
		if sess.RecordingStatus != model.RecordingFailed {
			t.Errorf("recording status = %q, want failed", sess.RecordingStatus)
		}
		if types := mem.EventTypes(); len(types) != 1 || types[0] != outbox.EventRecordingFailed {
			t.Errorf("events = %v, want [recording failed]", types)
		}
	})

	t.Run("transcriber error", func(t *testing.T) {
		provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "bytes")
		}))
		defer provider.Close()

		mem := storagetest.NewMemory(clock.NewFixed(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)))
		seedSession(mem, model.RecordingPending)

		p := NewPipeline(mem, &memObjects{}, &stubTranscriber{err: errors.New("asr down")}, testLogger)
		err := p.Process(context.Background(), "sess-1", provider.URL+"/rec.mp4")
		if err == nil || !strings.Contains(err.Error(), "asr down") {
			t.Fatalf("err = %v, want transcriber failure", err)
		}

		sess, _ := mem.SessionByID(context.Background(), "sess-1")
		if sess.RecordingStatus != model.RecordingFailed {
			t.Errorf("recording status = %q, want failed", sess.RecordingStatus)
		}
	})
}

func TestMarkFailed(t *testing.T) {
	mem := storagetest.NewMemory(clock.NewFixed(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)))
	seedSession(mem, model.RecordingPending)

	p := NewPipeline(mem, &memObjects{}, &stubTranscriber{}, testLogger)
	if err := p.MarkFailed(context.Background(), "sess-1", "provider reported encode failure"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	sess, _ := mem.SessionByID(context.Background(), "sess-1")
	if sess.RecordingStatus != model.RecordingFailed {
		t.Errorf("recording status = %q, want failed", sess.RecordingStatus)
	}
}
