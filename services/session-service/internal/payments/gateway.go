// Package payments abstracts the two card gateways behind one interface.
// The service only ever verifies captures and issues refunds; charge creation
// happens client-side against the gateway SDKs.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	GatewayStripe = "stripe"
	GatewayOmise  = "omise"
)

var ErrUnknownGateway = errors.New("unknown payment gateway")

// Capture is the gateway's view of a completed charge.
type Capture struct {
	TransactionID string
	AmountCents   int64
	Currency      string
	Captured      bool
}

type Gateway interface {
	Name() string
	// VerifyCapture fetches the transaction from the gateway and reports its
	// captured amount. Client-asserted amounts are never trusted.
	VerifyCapture(ctx context.Context, txnID string) (Capture, error)
	// Refund issues a partial or full refund and returns the gateway refund id.
	Refund(ctx context.Context, txnID string, amountCents int64) (string, error)
}

// Registry resolves gateways by name.
type Registry struct {
	byName map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{byName: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.byName[g.Name()] = g
	}
	return r
}

// Add registers a gateway after construction, e.g. one that is only enabled
// when its credentials are configured.
func (r *Registry) Add(g Gateway) {
	r.byName[g.Name()] = g
}

func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.byName[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, name)
	}
	return g, nil
}
