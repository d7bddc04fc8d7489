package model

import "time"

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentCaptured PaymentStatus = "captured"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentReleased PaymentStatus = "released"
	PaymentFailed   PaymentStatus = "failed"
)

// CommissionPercent is the platform's cut of every captured payment.
// Always computed server-side from the captured amount.
const CommissionPercent = 15

// Payment is one-to-one with a session once created. Transitions are driven by
// gateway confirmations and webhooks, never by client assertion alone.
type Payment struct {
	ID        string
	SessionID string

	Gateway      string
	GatewayTxnID string

	AmountCents     int64
	CommissionCents int64
	PayoutCents     int64

	Status      PaymentStatus
	RefundCents int64

	// FailureReason records a gateway error kept for manual reconciliation
	// (e.g. a refund that could not be issued during cancellation).
	FailureReason string

	PaidAt     *time.Time
	RefundedAt *time.Time
	ReleasedAt *time.Time
	CreatedAt  time.Time
}

// Commission returns the platform commission and mentor payout for a captured amount.
func Commission(amountCents int64) (commissionCents, payoutCents int64) {
	commissionCents = amountCents * CommissionPercent / 100
	return commissionCents, amountCents - commissionCents
}
