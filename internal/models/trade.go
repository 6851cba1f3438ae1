// Package models holds the persisted and in-memory shapes of the
// settlement core: trade receipts, listing locks, autopost jobs, and
// the append-only per-trade event log (§3 of the settlement spec).
package models

import "time"

// Role is which side of a trade the local peer occupies.
type Role string

const (
	RoleMaker Role = "maker"
	RoleTaker Role = "taker"
)

// TradeState is the lifecycle state of a trade receipt.
type TradeState string

const (
	StateInit        TradeState = "init"
	StateNegotiating TradeState = "negotiating"
	StateTerms       TradeState = "terms"
	StateAccepted    TradeState = "accepted"
	StateInvoice     TradeState = "invoice"
	StateEscrow      TradeState = "escrow"
	StateLnPaid      TradeState = "ln_paid"
	StateClaimed     TradeState = "claimed"
	StateRefunded    TradeState = "refunded"
	StateCanceled    TradeState = "canceled"
	StateError       TradeState = "error"
)

// IsTerminal reports whether a trade in this state is done being driven.
func (s TradeState) IsTerminal() bool {
	switch s {
	case StateClaimed, StateRefunded, StateCanceled:
		return true
	default:
		return false
	}
}

// TradeReceipt is the single durable row per trade_id (§3 "Trade
// receipt"). Pointer fields are nil/omitted when unknown, distinguishing
// "never set" from "set to empty" for UpsertTrade's merge semantics.
type TradeReceipt struct {
	TradeID string `json:"trade_id"`
	Role    Role   `json:"role"`

	RFQChannel  string `json:"rfq_channel"`
	SwapChannel string `json:"swap_channel"`

	CounterpartyPubkey string `json:"counterparty_pubkey"`
	LocalPubkey        string `json:"local_pubkey"`

	BTCSats            int64  `json:"btc_sats"`
	USDTAmount         string `json:"usdt_amount"`
	PlatformFeeBps     int    `json:"platform_fee_bps"`
	TradeFeeBps        int    `json:"trade_fee_bps"`
	TradeFeeCollector  string `json:"trade_fee_collector"`
	SolRefundWindowSec int64  `json:"sol_refund_window_sec"`

	SolMint         string `json:"sol_mint"`
	SolRecipient    string `json:"sol_recipient"`
	SolRefund       string `json:"sol_refund"`
	SolEscrowPDA    string `json:"sol_escrow_pda"`
	SolVaultATA     string `json:"sol_vault_ata"`
	SolRefundAfter  int64  `json:"sol_refund_after_unix"`

	LnInvoiceBolt11   string `json:"ln_invoice_bolt11"`
	LnPaymentHashHex  string `json:"ln_payment_hash_hex"`
	LnPreimageHex     string `json:"ln_preimage_hex"`

	State     TradeState `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastError string     `json:"last_error,omitempty"`
}

// TradePatch is a partial update to a TradeReceipt. A nil pointer field
// means "leave unchanged"; StringPtr("") explicitly clears a string
// field to empty. This mirrors §4.4's upsertTrade merge rule: "undefined
// fields never clear; explicit null clears."
type TradePatch struct {
	Role *Role

	RFQChannel  *string
	SwapChannel *string

	CounterpartyPubkey *string
	LocalPubkey        *string

	BTCSats            *int64
	USDTAmount         *string
	PlatformFeeBps     *int
	TradeFeeBps        *int
	TradeFeeCollector  *string
	SolRefundWindowSec *int64

	SolMint        *string
	SolRecipient   *string
	SolRefund      *string
	SolEscrowPDA   *string
	SolVaultATA    *string
	SolRefundAfter *int64

	LnInvoiceBolt11  *string
	LnPaymentHashHex *string
	LnPreimageHex    *string

	State     *TradeState
	LastError *string
}

// Apply merges p into r in place, following the "undefined never clears,
// explicit value always wins" rule.
func (p TradePatch) Apply(r *TradeReceipt) {
	if p.Role != nil {
		r.Role = *p.Role
	}
	if p.RFQChannel != nil {
		r.RFQChannel = *p.RFQChannel
	}
	if p.SwapChannel != nil {
		r.SwapChannel = *p.SwapChannel
	}
	if p.CounterpartyPubkey != nil {
		r.CounterpartyPubkey = *p.CounterpartyPubkey
	}
	if p.LocalPubkey != nil {
		r.LocalPubkey = *p.LocalPubkey
	}
	if p.BTCSats != nil {
		r.BTCSats = *p.BTCSats
	}
	if p.USDTAmount != nil {
		r.USDTAmount = *p.USDTAmount
	}
	if p.PlatformFeeBps != nil {
		r.PlatformFeeBps = *p.PlatformFeeBps
	}
	if p.TradeFeeBps != nil {
		r.TradeFeeBps = *p.TradeFeeBps
	}
	if p.TradeFeeCollector != nil {
		r.TradeFeeCollector = *p.TradeFeeCollector
	}
	if p.SolRefundWindowSec != nil {
		r.SolRefundWindowSec = *p.SolRefundWindowSec
	}
	if p.SolMint != nil {
		r.SolMint = *p.SolMint
	}
	if p.SolRecipient != nil {
		r.SolRecipient = *p.SolRecipient
	}
	if p.SolRefund != nil {
		r.SolRefund = *p.SolRefund
	}
	if p.SolEscrowPDA != nil {
		r.SolEscrowPDA = *p.SolEscrowPDA
	}
	if p.SolVaultATA != nil {
		r.SolVaultATA = *p.SolVaultATA
	}
	if p.SolRefundAfter != nil {
		r.SolRefundAfter = *p.SolRefundAfter
	}
	if p.LnInvoiceBolt11 != nil {
		r.LnInvoiceBolt11 = *p.LnInvoiceBolt11
	}
	if p.LnPaymentHashHex != nil {
		r.LnPaymentHashHex = *p.LnPaymentHashHex
	}
	if p.LnPreimageHex != nil {
		r.LnPreimageHex = *p.LnPreimageHex
	}
	if p.State != nil {
		r.State = *p.State
	}
	if p.LastError != nil {
		r.LastError = *p.LastError
	}
}

// TradeEvent is a single row of the append-only per-trade events table.
type TradeEvent struct {
	TradeID string    `json:"trade_id"`
	TS      int64     `json:"ts"`
	Kind    string    `json:"kind"`
	Payload string    `json:"payload"`
}

// String pointer helpers, parallel to how the teacher's models package
// favors small validation/construction helpers over embedding logic in
// callers.
func StringPtr(s string) *string     { return &s }
func Int64Ptr(i int64) *int64        { return &i }
func IntPtr(i int) *int              { return &i }
func StatePtr(s TradeState) *TradeState { return &s }
func RolePtr(r Role) *Role           { return &r }
