//go:build !protogen

package pricing

import (
	"log/slog"
)

// NewProfileRateProvider returns the static fallback in builds without generated
// profile-service stubs. Build with -tags protogen after running protoc to
// enable the gRPC-backed provider.
func NewProfileRateProvider(logger *slog.Logger, fallback Rate, addr string) (Provider, error) {
	if addr != "" {
		logger.Warn("profile grpc provider requested but binary built without protogen; using static rates", "addr", addr)
	}
	return NewStaticProvider(fallback), nil
}
