package policy

import "time"

// Cancellation refund tiers, measured as time remaining until the scheduled start.
// Boundaries are inclusive on the side that grants the larger refund: exactly
// 48h before start still refunds 100%, exactly 24h still refunds 50%.
const (
	FullRefundNotice = 48 * time.Hour
	HalfRefundNotice = 24 * time.Hour
)

// RefundPercent returns the refund percentage for a cancellation issued at now
// for a session starting at startAt.
func RefundPercent(now, startAt time.Time) int {
	until := startAt.Sub(now)
	switch {
	case until >= FullRefundNotice:
		return 100
	case until >= HalfRefundNotice:
		return 50
	default:
		return 0
	}
}

// RefundAmount computes the refund for a captured amount. The percentage is
// derived from elapsed time only; a client-supplied percentage is never accepted.
func RefundAmount(capturedCents int64, now, startAt time.Time) (cents int64, percent int) {
	percent = RefundPercent(now, startAt)
	return capturedCents * int64(percent) / 100, percent
}
