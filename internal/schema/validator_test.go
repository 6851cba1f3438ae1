package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/yourusername/swapcore/internal/envelope"
)

func baseRFQ() *envelope.Envelope {
	return &envelope.Envelope{
		V:       envelope.ProtocolVersion,
		Kind:    envelope.KindRFQ,
		TradeID: "trade-1",
		Nonce:   "abc123",
		TS:      1700000000000,
		Body: map[string]any{
			"pair":                     "BTC/USDT",
			"direction":                "buy",
			"app_hash":                 "deadbeef",
			"btc_sats":                 int64(1000),
			"usdt_amount":              "670000",
			"max_platform_fee_bps":     int64(500),
			"max_trade_fee_bps":        int64(1000),
			"max_total_fee_bps":        int64(1500),
			"min_sol_refund_window_sec": int64(3600),
			"max_sol_refund_window_sec": int64(604800),
			"valid_until_unix":         int64(1700001000),
		},
	}
}

func TestValidateRFQOK(t *testing.T) {
	r := Validate(baseRFQ())
	require.True(t, r.OK, r.Reason)
}

func TestValidateRFQRejectsFeeCeilingOverflow(t *testing.T) {
	e := baseRFQ()
	e.Body["max_platform_fee_bps"] = int64(600)
	r := Validate(e)
	require.False(t, r.OK)
}

func TestValidateRFQRejectsBadUsdtAmount(t *testing.T) {
	e := baseRFQ()
	e.Body["usdt_amount"] = "12.5"
	r := Validate(e)
	require.False(t, r.OK)
}

func TestValidateRFQRejectsZeroSats(t *testing.T) {
	e := baseRFQ()
	e.Body["btc_sats"] = int64(0)
	r := Validate(e)
	require.False(t, r.OK)
}

func TestValidateRFQRejectsRefundWindowOutOfBounds(t *testing.T) {
	e := baseRFQ()
	e.Body["min_sol_refund_window_sec"] = int64(10)
	r := Validate(e)
	require.False(t, r.OK)
}

func quoteForRFQ(rfqID string) *envelope.Envelope {
	return &envelope.Envelope{
		V:       envelope.ProtocolVersion,
		Kind:    envelope.KindQuote,
		TradeID: "trade-1",
		Nonce:   "q1",
		TS:      1700000001000,
		Body: map[string]any{
			"rfq_id":               rfqID,
			"pair":                 "BTC/USDT",
			"direction":            "buy",
			"app_hash":             "deadbeef",
			"btc_sats":             int64(1000),
			"usdt_amount":          "670000",
			"platform_fee_bps":     int64(10),
			"trade_fee_bps":        int64(10),
			"trade_fee_collector":  "feecollector",
			"sol_refund_window_sec": int64(259200),
			"valid_until_unix":     int64(1700001000),
		},
	}
}

// I8: fee ceilings.
func TestValidateQuoteAgainstRFQOK(t *testing.T) {
	rfq := baseRFQ()
	quote := quoteForRFQ("rfq-id-1")
	r := ValidateQuoteAgainstRFQ(quote, rfq)
	require.True(t, r.OK, r.Reason)
}

func TestValidateQuoteAgainstRFQRejectsMismatchedSats(t *testing.T) {
	rfq := baseRFQ()
	quote := quoteForRFQ("rfq-id-1")
	quote.Body["btc_sats"] = int64(999)
	r := ValidateQuoteAgainstRFQ(quote, rfq)
	require.False(t, r.OK)
}

func TestValidateQuoteAgainstRFQRejectsFeeCeilingExceeded(t *testing.T) {
	rfq := baseRFQ()
	quote := quoteForRFQ("rfq-id-1")
	quote.Body["platform_fee_bps"] = int64(600)
	r := ValidateQuoteAgainstRFQ(quote, rfq)
	require.False(t, r.OK)
}

// I9: refund window overlap.
func TestValidateQuoteAgainstRFQRejectsWindowOutsideRFQRange(t *testing.T) {
	rfq := baseRFQ()
	rfq.Body["min_sol_refund_window_sec"] = int64(300000)
	quote := quoteForRFQ("rfq-id-1")
	r := ValidateQuoteAgainstRFQ(quote, rfq)
	require.False(t, r.OK)
}

func TestValidateTamperedButWellFormedQuoteIsSchemaValid(t *testing.T) {
	quote := quoteForRFQ("rfq-id-1")
	quote.Body["usdt_amount"] = "670001"
	r := Validate(quote)
	require.True(t, r.OK) // schema-valid: a tampered-but-well-formed decimal string
}
