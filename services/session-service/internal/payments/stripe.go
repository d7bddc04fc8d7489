package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/paymentintent"
	"github.com/stripe/stripe-go/v79/refund"
)

type stripeGateway struct{}

// NewStripeGateway configures the stripe SDK with the secret key. The SDK
// keeps the key in package state, so one gateway instance serves the process.
func NewStripeGateway(secretKey string) Gateway {
	stripe.Key = strings.TrimSpace(secretKey)
	return &stripeGateway{}
}

func (g *stripeGateway) Name() string { return GatewayStripe }

func (g *stripeGateway) VerifyCapture(ctx context.Context, txnID string) (Capture, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(txnID, params)
	if err != nil {
		return Capture{}, fmt.Errorf("stripe: fetch payment intent %s: %w", txnID, err)
	}
	return Capture{
		TransactionID: pi.ID,
		AmountCents:   pi.AmountReceived,
		Currency:      string(pi.Currency),
		Captured:      pi.Status == stripe.PaymentIntentStatusSucceeded,
	}, nil
}

func (g *stripeGateway) Refund(ctx context.Context, txnID string, amountCents int64) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(txnID),
		Amount:        stripe.Int64(amountCents),
	}
	params.Context = ctx
	// Deterministic key so a retried cancellation never refunds twice.
	params.IdempotencyKey = stripe.String(fmt.Sprintf("refund:%s:%d", txnID, amountCents))

	r, err := refund.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: refund %s: %w", txnID, err)
	}
	return r.ID, nil
}
