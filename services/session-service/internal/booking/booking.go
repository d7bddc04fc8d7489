// Package booking creates sessions against published mentor time slots.
// Reservation is atomic: the conditional slot update and the session insert
// commit together or not at all, so two mentees racing for one slot can never
// both win.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mentorbridge/platform/services/session-service/internal/clock"
	"github.com/mentorbridge/platform/services/session-service/internal/model"
	"github.com/mentorbridge/platform/services/session-service/internal/outbox"
	"github.com/mentorbridge/platform/services/session-service/internal/policy"
	"github.com/mentorbridge/platform/services/session-service/internal/pricing"
	"github.com/mentorbridge/platform/services/session-service/internal/storage"
)

var (
	ErrSlotNotFound       = errors.New("time slot not found")
	ErrSlotUnavailable    = errors.New("time slot already booked")
	ErrSlotTooSoon        = errors.New("time slot starts in less than 24 hours")
	ErrSchedulingConflict = errors.New("mentee already has a session in this interval")
	ErrSelfBooking        = errors.New("mentors cannot book their own slots")
	ErrTopicRequired      = errors.New("topic is required")
)

type Service struct {
	store storage.Store
	rates pricing.Provider
	clock clock.Clock
	log   *slog.Logger
}

func NewService(store storage.Store, rates pricing.Provider, clk clock.Clock, log *slog.Logger) *Service {
	if clk == nil {
		clk = clock.System()
	}
	return &Service{store: store, rates: rates, clock: clk, log: log}
}

// Request is a mentee's booking intent for one slot.
type Request struct {
	MenteeID string
	SlotID   string
	Topic    string
	Notes    string
}

// Book reserves the slot and creates a pending session priced at the mentor's
// current rate. The price is frozen on the session row; later rate changes do
// not affect it.
func (s *Service) Book(ctx context.Context, req Request) (model.Session, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return model.Session{}, ErrTopicRequired
	}

	// Resolve the rate before opening the transaction; the profile lookup may
	// cross a network boundary and must not extend slot lock hold time.
	slot, err := s.store.SlotByID(ctx, req.SlotID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Session{}, ErrSlotNotFound
		}
		return model.Session{}, fmt.Errorf("load slot: %w", err)
	}
	if slot.MentorID == req.MenteeID {
		return model.Session{}, ErrSelfBooking
	}
	rate, err := s.rates.MentorRate(ctx, slot.MentorID)
	if err != nil {
		return model.Session{}, fmt.Errorf("resolve mentor rate: %w", err)
	}

	now := s.clock.Now()
	session := model.Session{
		ID:              uuid.NewString(),
		MenteeID:        req.MenteeID,
		MentorID:        slot.MentorID,
		SlotID:          slot.ID,
		Topic:           strings.TrimSpace(req.Topic),
		Notes:           req.Notes,
		Currency:        rate.Currency,
		Status:          model.StatusPending,
		RecordingStatus: model.RecordingPending,
	}

	err = s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		locked, err := tx.SlotForUpdate(ctx, req.SlotID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrSlotNotFound
			}
			return err
		}
		if locked.Booked {
			return ErrSlotUnavailable
		}
		if !policy.BookableAt(now, locked.StartAt) {
			return ErrSlotTooSoon
		}

		conflict, err := tx.HasOverlappingSession(ctx, req.MenteeID, locked.StartAt, locked.EndAt())
		if err != nil {
			return err
		}
		if conflict {
			return ErrSchedulingConflict
		}

		session.StartAt = locked.StartAt
		session.EndAt = locked.EndAt()
		session.PriceCents = pricing.PriceFor(rate, locked.Duration())

		if err := tx.CreateSession(ctx, &session); err != nil {
			return err
		}
		if err := tx.ReserveSlot(ctx, locked.ID, session.ID); err != nil {
			if errors.Is(err, storage.ErrSlotTaken) {
				return ErrSlotUnavailable
			}
			return err
		}
		return tx.AppendEvent(ctx, bookedEvent(&session))
	})
	if err != nil {
		return model.Session{}, err
	}

	s.log.InfoContext(ctx, "session booked",
		"session_id", session.ID,
		"slot_id", session.SlotID,
		"mentee_id", session.MenteeID,
		"mentor_id", session.MentorID,
		"price_cents", session.PriceCents,
	)
	return session, nil
}

func bookedEvent(s *model.Session) outbox.Event {
	payload, _ := json.Marshal(map[string]any{
		"session_id":  s.ID,
		"mentee_id":   s.MenteeID,
		"mentor_id":   s.MentorID,
		"slot_id":     s.SlotID,
		"topic":       s.Topic,
		"price_cents": s.PriceCents,
		"currency":    s.Currency,
		"start_at":    s.StartAt.Format(time.RFC3339),
		"end_at":      s.EndAt.Format(time.RFC3339),
	})
	return outbox.Event{
		AggregateType: "session",
		AggregateID:   s.ID,
		EventType:     outbox.EventSessionBooked,
		Payload:       payload,
	}
}
