//go:build protogen

package pricing

import (
	"context"
	"log/slog"
	"time"

	"github.com/mentorbridge/platform/libs/grpcx"
	profilev1 "github.com/mentorbridge/platform/protos/gen/profile/v1"
)

type grpcProvider struct {
	client profilev1.ProfileServiceClient
}

func NewProfileRateProvider(logger *slog.Logger, fallback Rate, addr string) (Provider, error) {
	if addr == "" {
		return NewStaticProvider(fallback), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := grpcx.Dial(ctx, addr, grpcx.DialOptions{Timeout: 5 * time.Second})
	if err != nil {
		logger.Warn("grpc profile provider unavailable, using static rates", "err", err)
		return NewStaticProvider(fallback), nil
	}

	logger.Info("grpc profile provider enabled", "addr", addr)
	return &grpcProvider{client: profilev1.NewProfileServiceClient(conn)}, nil
}

func (p *grpcProvider) MentorRate(ctx context.Context, mentorID string) (Rate, error) {
	resp, err := p.client.GetMentorRate(ctx, &profilev1.MentorRateRequest{MentorId: mentorID})
	if err != nil {
		return Rate{}, err
	}
	return Rate{
		HourlyCents: resp.GetHourlyCents(),
		Currency:    resp.GetCurrency(),
	}, nil
}
