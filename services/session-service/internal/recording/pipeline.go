package recording

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mentorbridge/platform/services/session-service/internal/model"
	"github.com/mentorbridge/platform/services/session-service/internal/outbox"
	"github.com/mentorbridge/platform/services/session-service/internal/storage"
)

var ErrAlreadyProcessed = errors.New("recording already processed")

// Pipeline runs the staged recording flow after the provider reports a
// finished recording: claim, archive the media, transcribe, publish. Each
// stage is idempotent; a redelivered webhook for a session that is already
// processing or ready is a no-op.
type Pipeline struct {
	store       storage.Store
	objects     ObjectStore
	transcriber Transcriber
	download    *http.Client
	log         *slog.Logger
}

func NewPipeline(store storage.Store, objects ObjectStore, transcriber Transcriber, log *slog.Logger) *Pipeline {
	return &Pipeline{
		store:       store,
		objects:     objects,
		transcriber: transcriber,
		download:    &http.Client{Timeout: 5 * time.Minute},
		log:         log,
	}
}

// Process handles one recording.completed notification. The claim stage moves
// the session to processing under its row lock, so concurrent redeliveries
// collapse to a single run.
func (p *Pipeline) Process(ctx context.Context, sessionID, downloadURL string) error {
	session, err := p.claim(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			p.log.InfoContext(ctx, "recording already handled", "session_id", sessionID)
			return nil
		}
		return err
	}

	key := fmt.Sprintf("recordings/%s/%s.mp4", session.ID, session.MeetingID)
	if err := p.archive(ctx, downloadURL, key); err != nil {
		p.fail(ctx, sessionID, fmt.Sprintf("archive: %v", err))
		return err
	}

	// Transcribe from our own copy; the provider URL may expire between stages.
	mediaURL, err := p.objects.PresignGet(ctx, key)
	if err != nil {
		p.fail(ctx, sessionID, fmt.Sprintf("presign: %v", err))
		return err
	}
	transcript, err := p.transcriber.Transcribe(ctx, mediaURL)
	if err != nil {
		p.fail(ctx, sessionID, fmt.Sprintf("transcribe: %v", err))
		return err
	}

	return p.publish(ctx, sessionID, key, transcript)
}

// MarkFailed records a provider-side recording failure. Terminal; the
// provider does not retry a failed recording.
func (p *Pipeline) MarkFailed(ctx context.Context, sessionID, reason string) error {
	p.fail(ctx, sessionID, reason)
	return nil
}

func (p *Pipeline) claim(ctx context.Context, sessionID string) (model.Session, error) {
	var session model.Session
	err := p.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		session, err = tx.SessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		switch session.RecordingStatus {
		case model.RecordingProcessing, model.RecordingReady, model.RecordingFailed:
			return ErrAlreadyProcessed
		}
		session.RecordingStatus = model.RecordingProcessing
		return tx.SaveSession(ctx, &session)
	})
	return session, err
}

func (p *Pipeline) archive(ctx context.Context, downloadURL, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return err
	}
	res, err := p.download.Do(req)
	if err != nil {
		return fmt.Errorf("download recording: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return fmt.Errorf("download recording: provider returned %d", res.StatusCode)
	}
	return p.objects.Put(ctx, key, "video/mp4", res.Body)
}

func (p *Pipeline) publish(ctx context.Context, sessionID, key, transcript string) error {
	return p.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		session, err := tx.SessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		session.RecordingStatus = model.RecordingReady
		session.RecordingKey = key
		session.Transcript = transcript
		if err := tx.SaveSession(ctx, &session); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{
			"session_id":    session.ID,
			"recording_key": key,
		})
		return tx.AppendEvent(ctx, outbox.Event{
			AggregateType: "session",
			AggregateID:   session.ID,
			EventType:     outbox.EventRecordingReady,
			Payload:       payload,
		})
	})
}

func (p *Pipeline) fail(ctx context.Context, sessionID, reason string) {
	err := p.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		session, err := tx.SessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.RecordingStatus == model.RecordingReady {
			return nil
		}
		session.RecordingStatus = model.RecordingFailed
		if err := tx.SaveSession(ctx, &session); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{
			"session_id": session.ID,
			"reason":     reason,
		})
		return tx.AppendEvent(ctx, outbox.Event{
			AggregateType: "session",
			AggregateID:   session.ID,
			EventType:     outbox.EventRecordingFailed,
			Payload:       payload,
		})
	})
	if err != nil {
		p.log.ErrorContext(ctx, "failed to mark recording failed", "session_id", sessionID, "err", err)
	}
	p.log.WarnContext(ctx, "recording failed", "session_id", sessionID, "reason", reason)
}
