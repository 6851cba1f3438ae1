package schema

import (
	"github.com/mr-tron/base58"

	"github.com/yourusername/swapcore/internal/envelope"
)

// Fee ceilings and refund window bounds, §3.
const (
	MaxPlatformFeeBps = 500
	MaxTradeFeeBps    = 1000
	MaxTotalFeeBps    = 1500

	MinRefundWindowSec = 3600
	MaxRefundWindowSec = 604800
)

// Validate dispatches to the per-kind validator. It never mutates e and
// never performs I/O.
func Validate(e *envelope.Envelope) Result {
	if e.V != envelope.ProtocolVersion {
		return bad("unsupported protocol version %d", e.V)
	}
	if e.TradeID == "" {
		return bad("trade_id is required")
	}
	if e.Nonce == "" {
		return bad("nonce is required")
	}
	if e.Body == nil {
		return bad("body is required")
	}

	switch e.Kind {
	case envelope.KindRFQ:
		return validateRFQ(e.Body)
	case envelope.KindQuote:
		return validateQuote(e.Body)
	case envelope.KindQuoteAccept:
		return validateQuoteAccept(e.Body)
	case envelope.KindSvcAnnounce:
		return validateSvcAnnounce(e.Body)
	case envelope.KindSwapInvite:
		return validateSwapInvite(e.Body)
	case envelope.KindTerms:
		return validateTerms(e.Body)
	case envelope.KindAccept:
		return validateAccept(e.Body)
	case envelope.KindLnInvoice:
		return validateLnInvoice(e.Body)
	case envelope.KindSolEscrow:
		return validateSolEscrow(e.Body)
	case envelope.KindLnPaid:
		return validateLnPaid(e.Body)
	case envelope.KindSolClaimed, envelope.KindSolRefunded, envelope.KindCancel:
		return ok() // terminal markers carry no required body fields
	default:
		return bad("unknown kind %q", e.Kind)
	}
}

func validateFeeCeilings(body map[string]any) Result {
	maxPlatform, ok1 := getInt64(body, "max_platform_fee_bps")
	maxTrade, ok2 := getInt64(body, "max_trade_fee_bps")
	maxTotal, ok3 := getInt64(body, "max_total_fee_bps")
	if !ok1 || !ok2 || !ok3 {
		return bad("fee ceiling fields are required")
	}
	if maxPlatform < 0 || maxPlatform > MaxPlatformFeeBps {
		return bad("max_platform_fee_bps out of range: %d", maxPlatform)
	}
	if maxTrade < 0 || maxTrade > MaxTradeFeeBps {
		return bad("max_trade_fee_bps out of range: %d", maxTrade)
	}
	if maxTotal < 0 || maxTotal > MaxTotalFeeBps {
		return bad("max_total_fee_bps out of range: %d", maxTotal)
	}
	if maxPlatform+maxTrade > maxTotal {
		return bad("max_platform_fee_bps + max_trade_fee_bps exceeds max_total_fee_bps")
	}
	return ok()
}

func validateRefundWindowRange(body map[string]any) Result {
	min, ok1 := getInt64(body, "min_sol_refund_window_sec")
	max, ok2 := getInt64(body, "max_sol_refund_window_sec")
	if !ok1 || !ok2 {
		return bad("refund window fields are required")
	}
	if min < MinRefundWindowSec || min > MaxRefundWindowSec {
		return bad("min_sol_refund_window_sec out of range: %d", min)
	}
	if max < MinRefundWindowSec || max > MaxRefundWindowSec {
		return bad("max_sol_refund_window_sec out of range: %d", max)
	}
	if min > max {
		return bad("min_sol_refund_window_sec exceeds max_sol_refund_window_sec")
	}
	return ok()
}

func validateAmounts(body map[string]any) Result {
	sats, ok1 := getInt64(body, "btc_sats")
	if !ok1 || sats < 1 {
		return bad("btc_sats must be >= 1")
	}
	if _, ok2 := decimalAmount(body, "usdt_amount"); !ok2 {
		return bad("usdt_amount must be a decimal string of base-10 digits")
	}
	return ok()
}

func validateRFQ(body map[string]any) Result {
	for _, k := range []string{"pair", "direction", "app_hash"} {
		if s, ok := getString(body, k); !ok || s == "" {
			return bad("%s is required", k)
		}
	}
	if r := validateAmounts(body); !r.OK {
		return r
	}
	if r := validateFeeCeilings(body); !r.OK {
		return r
	}
	if r := validateRefundWindowRange(body); !r.OK {
		return r
	}
	if _, ok := getInt64(body, "valid_until_unix"); !ok {
		return bad("valid_until_unix is required")
	}
	return ok()
}

func validateQuote(body map[string]any) Result {
	if s, ok := getString(body, "rfq_id"); !ok || s == "" {
		return bad("rfq_id is required")
	}
	for _, k := range []string{"pair", "direction", "app_hash"} {
		if s, ok := getString(body, k); !ok || s == "" {
			return bad("%s is required", k)
		}
	}
	if r := validateAmounts(body); !r.OK {
		return r
	}
	platform, ok1 := getInt64(body, "platform_fee_bps")
	trade, ok2 := getInt64(body, "trade_fee_bps")
	if !ok1 || !ok2 {
		return bad("platform_fee_bps and trade_fee_bps are required")
	}
	if platform < 0 || platform > MaxPlatformFeeBps {
		return bad("platform_fee_bps out of range: %d", platform)
	}
	if trade < 0 || trade > MaxTradeFeeBps {
		return bad("trade_fee_bps out of range: %d", trade)
	}
	if platform+trade > MaxTotalFeeBps {
		return bad("platform_fee_bps + trade_fee_bps exceeds %d", MaxTotalFeeBps)
	}
	if s, ok := getString(body, "trade_fee_collector"); !ok || s == "" {
		return bad("trade_fee_collector is required")
	}
	window, ok := getInt64(body, "sol_refund_window_sec")
	if !ok || window < MinRefundWindowSec || window > MaxRefundWindowSec {
		return bad("sol_refund_window_sec out of range: %d", window)
	}
	if _, ok := getInt64(body, "valid_until_unix"); !ok {
		return bad("valid_until_unix is required")
	}
	return ok()
}

func validateQuoteAccept(body map[string]any) Result {
	if s, ok := getString(body, "rfq_id"); !ok || s == "" {
		return bad("rfq_id is required")
	}
	if s, ok := getString(body, "quote_id"); !ok || s == "" {
		return bad("quote_id is required")
	}
	takerChain, ok := getString(body, "taker_chain_b58")
	if !ok || !isSolanaAddress(takerChain) {
		return bad("taker_chain_b58 is not a valid solana address")
	}
	return ok()
}

func validateSvcAnnounce(body map[string]any) Result {
	if s, ok := getString(body, "name"); !ok || s == "" {
		return bad("name is required")
	}
	if _, ok := body["pairs"]; !ok {
		return bad("pairs is required")
	}
	if _, ok := body["rfq_channels"]; !ok {
		return bad("rfq_channels is required")
	}
	offersRaw, ok := body["offers"]
	if !ok {
		return bad("offers is required")
	}
	offers, ok := offersRaw.([]any)
	if !ok || len(offers) == 0 {
		return bad("offers must be a non-empty array")
	}
	for i, o := range offers {
		line, ok := o.(map[string]any)
		if !ok {
			return bad("offers[%d] must be an object", i)
		}
		if r := validateAmounts(line); !r.OK {
			return bad("offers[%d]: %s", i, r.Reason)
		}
		if r := validateFeeCeilings(line); !r.OK {
			return bad("offers[%d]: %s", i, r.Reason)
		}
		if r := validateRefundWindowRange(line); !r.OK {
			return bad("offers[%d]: %s", i, r.Reason)
		}
	}
	if _, ok := getInt64(body, "valid_until_unix"); !ok {
		return bad("valid_until_unix is required")
	}
	return ok()
}

// solanaAddressLen is the decoded byte length of an ed25519-derived
// Solana account address.
const solanaAddressLen = 32

// isSolanaAddress reports whether s decodes as base58 to exactly a
// 32-byte public key, without pulling in solana-go just to check a
// string shape.
func isSolanaAddress(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == solanaAddressLen
}

func validateSwapInvite(body map[string]any) Result {
	for _, k := range []string{"rfq_id", "quote_id", "swap_channel", "owner_pubkey", "invite_b64"} {
		if s, ok := getString(body, k); !ok || s == "" {
			return bad("%s is required", k)
		}
	}
	return ok()
}

func validateTerms(body map[string]any) Result {
	if r := validateAmounts(body); !r.OK {
		return r
	}
	for _, k := range []string{"sol_mint", "sol_recipient", "sol_refund", "ln_receiver_peer", "ln_payer_peer", "trade_fee_collector"} {
		if s, ok := getString(body, k); !ok || s == "" {
			return bad("%s is required", k)
		}
	}
	for _, k := range []string{"sol_mint", "sol_recipient", "sol_refund", "trade_fee_collector"} {
		s, _ := getString(body, k)
		if !isSolanaAddress(s) {
			return bad("%s is not a valid solana address", k)
		}
	}
	if _, ok := getInt64(body, "sol_refund_after_unix"); !ok {
		return bad("sol_refund_after_unix is required")
	}
	platform, ok1 := getInt64(body, "platform_fee_bps")
	trade, ok2 := getInt64(body, "trade_fee_bps")
	if !ok1 || !ok2 {
		return bad("platform_fee_bps and trade_fee_bps are required")
	}
	if platform < 0 || platform > MaxPlatformFeeBps || trade < 0 || trade > MaxTradeFeeBps || platform+trade > MaxTotalFeeBps {
		return bad("fee bps out of range")
	}
	if _, ok := getInt64(body, "terms_valid_until_unix"); !ok {
		return bad("terms_valid_until_unix is required")
	}
	return ok()
}

func validateAccept(body map[string]any) Result {
	if s, ok := getString(body, "terms_hash"); !ok || s == "" {
		return bad("terms_hash is required")
	}
	return ok()
}

func validateLnInvoice(body map[string]any) Result {
	if s, ok := getString(body, "bolt11"); !ok || s == "" {
		return bad("bolt11 is required")
	}
	if s, ok := getString(body, "payment_hash_hex"); !ok || len(s) != 64 {
		return bad("payment_hash_hex must be 64 hex characters")
	}
	return ok()
}

func validateSolEscrow(body map[string]any) Result {
	for _, k := range []string{"escrow_pda", "vault_ata", "tx_sig"} {
		if s, ok := getString(body, k); !ok || s == "" {
			return bad("%s is required", k)
		}
	}
	if s, ok := getString(body, "payment_hash_hex"); !ok || len(s) != 64 {
		return bad("payment_hash_hex must be 64 hex characters")
	}
	if _, ok := decimalAmount(body, "net_amount"); !ok {
		return bad("net_amount must be a decimal string of base-10 digits")
	}
	if _, ok := decimalAmount(body, "fee_amount"); !ok {
		return bad("fee_amount must be a decimal string of base-10 digits")
	}
	if _, ok := getInt64(body, "refund_after_unix"); !ok {
		return bad("refund_after_unix is required")
	}
	return ok()
}

func validateLnPaid(body map[string]any) Result {
	if s, ok := getString(body, "payment_hash_hex"); !ok || len(s) != 64 {
		return bad("payment_hash_hex must be 64 hex characters")
	}
	if s, ok := getString(body, "preimage_hex"); !ok || len(s) != 64 {
		return bad("preimage_hex must be 64 hex characters")
	}
	return ok()
}
