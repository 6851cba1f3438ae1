// Package lightning defines the Lightning node port. The settlement
// driver creates, pays, and decodes invoices only through this
// interface; it never talks to a node's RPC directly.
package lightning

import (
	"context"
	"time"
)

// Client is the Lightning node port (§6).
type Client interface {
	CreateInvoice(ctx context.Context, sats int64, label, description string) (bolt11, paymentHashHex string, err error)
	Pay(ctx context.Context, bolt11 string, feeLimitSat int64, timeout time.Duration) (preimageHex string, feeSat int64, err error)
	Decode(ctx context.Context, bolt11 string) (destination string, amountSat int64, paymentHashHex string, err error)
}
