// Package video provisions and tears down meeting rooms through an external
// conferencing provider's REST API, and verifies the signatures on the
// webhooks that provider sends back.
package video

import (
	"context"
	"time"
)

// Meeting is a provisioned room.
type Meeting struct {
	ID      string
	JoinURL string
}

type Provider interface {
	// CreateMeeting provisions a room. reference is opaque to the provider and
	// echoed back on its webhooks, which is how recordings find their session.
	CreateMeeting(ctx context.Context, reference, topic string, startAt time.Time, duration time.Duration) (Meeting, error)
	EndMeeting(ctx context.Context, meetingID string) error
}
