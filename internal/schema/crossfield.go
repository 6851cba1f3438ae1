package schema

import "github.com/yourusername/swapcore/internal/envelope"

// ValidateQuoteAgainstRFQ checks the cross-field consistency the spec
// calls out explicitly: quote.btc_sats == rfq.btc_sats and
// quote.usdt_amount == rfq.usdt_amount. It does not check expiry —
// "a quote referencing an expired RFQ passes the validator; the matcher
// rejects it" is a boundary behavior that belongs to the settlement
// driver, not this pure validator.
func ValidateQuoteAgainstRFQ(quote, rfq *envelope.Envelope) Result {
	qSats, ok1 := getInt64(quote.Body, "btc_sats")
	rSats, ok2 := getInt64(rfq.Body, "btc_sats")
	if !ok1 || !ok2 {
		return bad("btc_sats missing on quote or rfq")
	}
	if qSats != rSats {
		return bad("quote.btc_sats (%d) != rfq.btc_sats (%d)", qSats, rSats)
	}

	qAmt, ok1 := decimalAmount(quote.Body, "usdt_amount")
	rAmt, ok2 := decimalAmount(rfq.Body, "usdt_amount")
	if !ok1 || !ok2 {
		return bad("usdt_amount missing on quote or rfq")
	}
	if !qAmt.Equal(rAmt) {
		return bad("quote.usdt_amount (%s) != rfq.usdt_amount (%s)", qAmt.String(), rAmt.String())
	}

	qPlatform, _ := getInt64(quote.Body, "platform_fee_bps")
	qTrade, _ := getInt64(quote.Body, "trade_fee_bps")
	maxPlatform, _ := getInt64(rfq.Body, "max_platform_fee_bps")
	maxTrade, _ := getInt64(rfq.Body, "max_trade_fee_bps")
	maxTotal, _ := getInt64(rfq.Body, "max_total_fee_bps")
	if qPlatform > maxPlatform {
		return bad("quote.platform_fee_bps (%d) exceeds rfq.max_platform_fee_bps (%d)", qPlatform, maxPlatform)
	}
	if qTrade > maxTrade {
		return bad("quote.trade_fee_bps (%d) exceeds rfq.max_trade_fee_bps (%d)", qTrade, maxTrade)
	}
	if qPlatform+qTrade > maxTotal {
		return bad("quote total fee bps exceeds rfq.max_total_fee_bps (%d)", maxTotal)
	}

	window, _ := getInt64(quote.Body, "sol_refund_window_sec")
	rMin, _ := getInt64(rfq.Body, "min_sol_refund_window_sec")
	rMax, _ := getInt64(rfq.Body, "max_sol_refund_window_sec")
	if window < rMin || window > rMax {
		return bad("quote.sol_refund_window_sec (%d) outside rfq window [%d, %d]", window, rMin, rMax)
	}

	return ok()
}
