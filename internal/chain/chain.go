// Package chain defines the Solana-like chain port. The settlement
// driver and recovery sweeper build, simulate, and send escrow
// lifecycle transactions only through this interface.
package chain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Tx is an opaque, already-built transaction ready for simulation or
// submission. Concrete implementations wrap a chain-specific value
// (e.g. *solana.Transaction) behind this marker interface so the port
// itself stays chain-agnostic.
type Tx interface {
	// Describe returns a short human-readable summary for logging.
	Describe() string
}

// EscrowInitParams builds the transaction that creates a hashlocked
// escrow for a trade, §6 "build_escrow_init_tx".
type EscrowInitParams struct {
	PaymentHashHex       string
	Mint                 string
	Amount               decimal.Decimal
	Recipient            string
	Refund               string
	RefundAfterUnix      int64
	TradeFeeCollector    string
	CULimit              uint32
	CUPriceMicroLamports uint64
}

// ClaimParams builds the transaction that releases escrowed funds to
// the recipient once the preimage is known.
type ClaimParams struct {
	PaymentHashHex      string
	RecipientTokenAcct  string
	PreimageHex         string
	TradeFeeCollector   string
}

// RefundParams builds the transaction that returns escrowed funds to
// the original depositor after the refund window has elapsed.
type RefundParams struct {
	PaymentHashHex    string
	RefundTokenAcct   string
}

// SimResult is the outcome of a dry-run simulation.
type SimResult struct {
	OK         bool
	UnitsConsumed uint64
	Logs       []string
	Err        string
}

// EscrowState mirrors the on-chain escrow account's readable fields.
type EscrowState struct {
	PaymentHashHex  string
	Mint            string
	Amount          decimal.Decimal
	Recipient       string
	Refund          string
	RefundAfterUnix int64
	Claimed         bool
	Refunded        bool
}

// Client is the chain port (§6).
type Client interface {
	SignerPubkey(ctx context.Context) (base58 string, err error)
	BuildEscrowInitTx(ctx context.Context, p EscrowInitParams) (Tx, error)
	BuildClaimTx(ctx context.Context, p ClaimParams) (Tx, error)
	BuildRefundTx(ctx context.Context, p RefundParams) (Tx, error)
	SendAndConfirm(ctx context.Context, tx Tx) (sig string, err error)
	Simulate(ctx context.Context, tx Tx) (SimResult, error)
	ReadEscrowState(ctx context.Context, paymentHashHex string) (*EscrowState, error)
}
