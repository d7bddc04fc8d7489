package pricing

import (
	"context"
	"time"
)

// Rate is a mentor's published hourly rate.
type Rate struct {
	HourlyCents int64
	Currency    string
}

// Provider resolves mentor rates. Production builds back this with the profile
// service over gRPC; the static provider serves dev and test setups.
type Provider interface {
	MentorRate(ctx context.Context, mentorID string) (Rate, error)
}

type staticProvider struct {
	rate Rate
}

func NewStaticProvider(rate Rate) Provider {
	if rate.Currency == "" {
		rate.Currency = "usd"
	}
	return &staticProvider{rate: rate}
}

func (p *staticProvider) MentorRate(_ context.Context, _ string) (Rate, error) {
	return p.rate, nil
}

// PriceFor converts an hourly rate into the frozen price for a slot duration.
func PriceFor(rate Rate, duration time.Duration) int64 {
	return rate.HourlyCents * int64(duration/time.Minute) / 60
}
