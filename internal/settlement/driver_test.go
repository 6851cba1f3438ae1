package settlement

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yourusername/swapcore/internal/bus"
	"github.com/yourusername/swapcore/internal/bus/memorybus"
	"github.com/yourusername/swapcore/internal/chain/solana/solanatest"
	"github.com/yourusername/swapcore/internal/envelope"
	"github.com/yourusername/swapcore/internal/lightning/fakeln"
	"github.com/yourusername/swapcore/internal/metrics"
	"github.com/yourusername/swapcore/internal/receipts"
)

func testStore(t *testing.T) *receipts.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := receipts.Open(filepath.Join(dir, "receipts.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestDriver(t *testing.T, b *memorybus.Bus, ln *fakeln.Client, ch *solanatest.Client) (*Driver, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	peer := memorybus.NewPeer(b)
	d := NewDriver(peer, ln, ch, testStore(t), priv, metrics.NewRegistry(), nil, Config{
		IntervalMs:     1000,
		ActionsPerTick: 12,
		ToolTimeout:    5 * time.Second,
	})
	return d, priv
}

func publishSigned(t *testing.T, peer *memorybus.Peer, channel string, kind envelope.Kind, tradeID string, body map[string]any, priv ed25519.PrivateKey) *envelope.Envelope {
	t.Helper()
	nonce, err := newNonce()
	require.NoError(t, err)
	unsigned := &envelope.Envelope{
		V:       envelope.ProtocolVersion,
		Kind:    kind,
		TradeID: tradeID,
		Body:    body,
		TS:      time.Now().UnixMilli(),
		Nonce:   nonce,
	}
	signed, err := envelope.Sign(unsigned, priv)
	require.NoError(t, err)
	require.NoError(t, peer.Publish(context.Background(), channel, envelope.Signed{Envelope: *signed}))
	return signed
}

func validOfferBody(offerLines []map[string]any, validUntil int64) map[string]any {
	offers := make([]any, 0, len(offerLines))
	for _, l := range offerLines {
		offers = append(offers, l)
	}
	return map[string]any{
		"name":              "maker-1",
		"pairs":             []any{"BTC/USDT"},
		"rfq_channels":      []any{"rfq:btc-usdt"},
		"offers":            offers,
		"valid_until_unix":  validUntil,
	}
}

func offerLine(btcSats int64, usdt string) map[string]any {
	return map[string]any{
		"btc_sats":                   btcSats,
		"usdt_amount":                usdt,
		"max_platform_fee_bps":       int64(100),
		"max_trade_fee_bps":          int64(200),
		"max_total_fee_bps":          int64(300),
		"min_sol_refund_window_sec":  int64(3600),
		"max_sol_refund_window_sec":  int64(604800),
	}
}

func rfqBody(btcSats int64, usdt string, validUntil int64) map[string]any {
	return map[string]any{
		"pair":                       "BTC/USDT",
		"direction":                  "btc_to_usdt",
		"app_hash":                   "deadbeef",
		"btc_sats":                   btcSats,
		"usdt_amount":                usdt,
		"max_platform_fee_bps":       int64(100),
		"max_trade_fee_bps":          int64(200),
		"max_total_fee_bps":          int64(300),
		"min_sol_refund_window_sec":  int64(3600),
		"max_sol_refund_window_sec":  int64(604800),
		"valid_until_unix":           validUntil,
	}
}

// TestQuoteFromOfferMatchesAndPublishesQuote exercises the maker-side
// pipeline end to end: given a standing offer and an incoming non-local
// RFQ that matches it, the driver publishes exactly one quote and never
// re-quotes the same RFQ on a subsequent tick.
func TestQuoteFromOfferMatchesAndPublishesQuote(t *testing.T) {
	b := memorybus.NewBus()
	ln := fakeln.NewClient(fakeln.NewNode("maker"))
	ch := solanatest.NewClient("maker-chain-pubkey")
	driver, priv := newTestDriver(t, b, ln, ch)

	makerPeer := driver.Bus.(*memorybus.Peer)

	offer := validOfferBody([]map[string]any{offerLine(100000, "5000")}, time.Now().Unix()+3600)
	publishSigned(t, makerPeer, "rfq:btc-usdt", envelope.KindSvcAnnounce, "listing-1", offer, priv)

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	publishSigned(t, memorybus.NewPeer(b), "rfq:btc-usdt", envelope.KindRFQ, "trade-1", rfqBody(100000, "5000", time.Now().Unix()+1800), otherPriv)

	driver.Tick(context.Background())

	events, _, err := makerPeer.LogRead(context.Background(), 0, 0)
	require.NoError(t, err)
	var quoteCount int
	for _, ev := range events {
		if ev.Kind == string(envelope.KindQuote) {
			quoteCount++
		}
	}
	require.Equal(t, 1, quoteCount)

	driver.Tick(context.Background())
	events2, _, err := makerPeer.LogRead(context.Background(), 0, 0)
	require.NoError(t, err)
	quoteCount = 0
	for _, ev := range events2 {
		if ev.Kind == string(envelope.KindQuote) {
			quoteCount++
		}
	}
	require.Equal(t, 1, quoteCount, "re-ticking must not re-quote the same rfq")
}

// TestAcceptQuoteRejectsCrossFieldMismatch covers one edge case of the
// accept-quote pipeline: a quote whose btc_sats no longer matches the
// original rfq is never accepted.
func TestAcceptQuoteRejectsCrossFieldMismatch(t *testing.T) {
	b := memorybus.NewBus()
	ln := fakeln.NewClient(fakeln.NewNode("taker"))
	ch := solanatest.NewClient("taker-chain-pubkey")
	driver, priv := newTestDriver(t, b, ln, ch)
	takerPeer := driver.Bus.(*memorybus.Peer)

	publishSigned(t, takerPeer, "rfq:btc-usdt", envelope.KindRFQ, "trade-2", rfqBody(100000, "5000", time.Now().Unix()+3600), priv)

	makerPeer := memorybus.NewPeer(b)
	_, makerPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	mismatchedQuote := rfqBody(999999, "5000", time.Now().Unix()+1800) // wrong btc_sats
	mismatchedQuote["rfq_id"] = "whatever"
	mismatchedQuote["platform_fee_bps"] = int64(50)
	mismatchedQuote["trade_fee_bps"] = int64(50)
	mismatchedQuote["trade_fee_collector"] = "collector"
	mismatchedQuote["sol_refund_window_sec"] = int64(7200)
	publishSigned(t, makerPeer, "rfq:btc-usdt", envelope.KindQuote, "trade-2", mismatchedQuote, makerPriv)

	driver.Tick(context.Background())

	events, _, err := takerPeer.LogRead(context.Background(), 0, 0)
	require.NoError(t, err)
	for _, ev := range events {
		require.NotEqual(t, string(envelope.KindQuoteAccept), ev.Kind, "a cross-field mismatched quote must never be accepted")
	}
}

// TestStageDoneNeverRetried verifies I6: a stage once marked done never
// becomes ready again, so a tick can never re-publish the same kind for
// the same trade.
func TestStageDoneNeverRetried(t *testing.T) {
	b := memorybus.NewBus()
	ln := fakeln.NewClient(fakeln.NewNode("maker"))
	ch := solanatest.NewClient("maker-chain-pubkey")
	driver, _ := newTestDriver(t, b, ln, ch)

	key := stageKey{TradeID: "trade-3", Stage: "quote_from_offer"}
	require.True(t, driver.stageReady(key))
	driver.markDone(key)
	require.False(t, driver.stageReady(key))
}

// TestStageRetryHonorsCooldown verifies a failed stage is not retried
// until its cooldown elapses.
func TestStageRetryHonorsCooldown(t *testing.T) {
	b := memorybus.NewBus()
	ln := fakeln.NewClient(fakeln.NewNode("maker"))
	ch := solanatest.NewClient("maker-chain-pubkey")
	driver, _ := newTestDriver(t, b, ln, ch)

	key := stageKey{TradeID: "trade-4", Stage: "accept_quote"}
	driver.markRetry(key, time.Hour)
	require.False(t, driver.stageReady(key))
}

// TestActionBudgetExhaustionStopsFurtherWork asserts a tick
// spends at most Cfg.ActionsPerTick actions across all five pipelines
// combined.
func TestActionBudgetExhaustionStopsFurtherWork(t *testing.T) {
	b := memorybus.NewBus()
	ln := fakeln.NewClient(fakeln.NewNode("maker"))
	ch := solanatest.NewClient("maker-chain-pubkey")
	driver, priv := newTestDriver(t, b, ln, ch)
	driver.Cfg.ActionsPerTick = 1
	makerPeer := driver.Bus.(*memorybus.Peer)

	offer := validOfferBody([]map[string]any{offerLine(1000, "10"), offerLine(2000, "20")}, time.Now().Unix()+3600)
	publishSigned(t, makerPeer, "rfq:btc-usdt", envelope.KindSvcAnnounce, "listing-2", offer, priv)

	for i := 0; i < 2; i++ {
		_, rp, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		amt := "10"
		sats := int64(1000)
		if i == 1 {
			amt = "20"
			sats = 2000
		}
		publishSigned(t, memorybus.NewPeer(b), "rfq:btc-usdt", envelope.KindRFQ, "trade-budget-"+hex.EncodeToString([]byte{byte(i)}), rfqBody(sats, amt, time.Now().Unix()+1800), rp)
	}

	driver.Tick(context.Background())

	events, _, err := makerPeer.LogRead(context.Background(), 0, 0)
	require.NoError(t, err)
	var quoteCount int
	for _, ev := range events {
		if ev.Kind == string(envelope.KindQuote) {
			quoteCount++
		}
	}
	require.LessOrEqual(t, quoteCount, 1, "a one-action budget must not publish more than one quote in a single tick")
}

// peerHex returns the hex-encoded ed25519 public key a priv signs
// envelopes under, matching how the driver derives its own identity.
func peerHex(priv ed25519.PrivateKey) string {
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey))
}

// findEnvelope returns the first event of kind for tradeID in events,
// parsed, or nil if none is present.
func findEnvelope(t *testing.T, events []bus.Event, tradeID string, kind envelope.Kind) *envelope.Envelope {
	t.Helper()
	for _, ev := range events {
		if ev.TradeID != tradeID || ev.Kind != string(kind) {
			continue
		}
		e, err := envelope.Parse(ev.Message)
		require.NoError(t, err)
		return e
	}
	return nil
}

// TestSettlementMachineMakerEscrowsTakerPaysAndClaims is the S1 happy
// path driven end to end across two independent drivers, a maker with
// its own peer key and chain signer and a taker with its own: offer,
// rfq, quote, quote_accept, swap_invite, join, and the full six-stage
// trade machine. It pins the roles §4.7.1 assigns — the maker is the
// SPL-token depositor, the taker pays the Lightning invoice and claims
// the escrow — so a role inversion in any stage guard fails it.
func TestSettlementMachineMakerEscrowsTakerPaysAndClaims(t *testing.T) {
	b := memorybus.NewBus()
	lnNode := fakeln.NewNode("swap-e2e")
	makerCh := solanatest.NewClient("maker-chain-pubkey")
	takerCh := solanatest.NewClientOnLedger("taker-chain-pubkey", makerCh)

	maker, makerPriv := newTestDriver(t, b, fakeln.NewClient(lnNode), makerCh)
	taker, takerPriv := newTestDriver(t, b, fakeln.NewClient(lnNode), takerCh)
	makerPeer := maker.Bus.(*memorybus.Peer)
	takerPeer := taker.Bus.(*memorybus.Peer)

	tradeID := "trade-e2e"
	offer := validOfferBody([]map[string]any{offerLine(50000, "2500")}, time.Now().Unix()+3600)
	publishSigned(t, makerPeer, "rfq:btc-usdt", envelope.KindSvcAnnounce, "listing-e2e", offer, makerPriv)
	publishSigned(t, takerPeer, "rfq:btc-usdt", envelope.KindRFQ, tradeID, rfqBody(50000, "2500", time.Now().Unix()+1800), takerPriv)

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		maker.Tick(ctx)
		taker.Tick(ctx)
	}

	events, _, err := makerPeer.LogRead(ctx, 0, 0)
	require.NoError(t, err)

	makerHex := peerHex(makerPriv)
	takerHex := peerHex(takerPriv)

	quoteAccept := findEnvelope(t, events, tradeID, envelope.KindQuoteAccept)
	require.NotNil(t, quoteAccept, "taker must accept the maker's quote")
	require.Equal(t, takerHex, quoteAccept.Signer)

	terms := findEnvelope(t, events, tradeID, envelope.KindTerms)
	require.NotNil(t, terms, "maker must post terms")
	require.Equal(t, makerHex, terms.Signer)

	escrow := findEnvelope(t, events, tradeID, envelope.KindSolEscrow)
	require.NotNil(t, escrow, "maker, the SPL-token depositor, must build and send the escrow")
	require.Equal(t, makerHex, escrow.Signer, "sol_escrow must be the maker's doing, not the taker's")

	lnPaid := findEnvelope(t, events, tradeID, envelope.KindLnPaid)
	require.NotNil(t, lnPaid, "taker must pay the Lightning invoice")
	require.Equal(t, takerHex, lnPaid.Signer, "ln_pay must be the taker's doing, not the maker's")

	claimed := findEnvelope(t, events, tradeID, envelope.KindSolClaimed)
	require.NotNil(t, claimed, "taker must claim the escrow")
	require.Equal(t, takerHex, claimed.Signer)

	paymentHashHex, _ := lnPaid.Body["payment_hash_hex"].(string)
	state, err := makerCh.ReadEscrowState(ctx, paymentHashHex)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.True(t, state.Claimed, "the shared ledger must show the escrow claimed")
	require.False(t, state.Refunded)
}

// TestTickInFlightFenceSkipsOverlappingTick ensures a tick already
// holding tickMu makes a concurrent Tick call return immediately
// without touching shared state.
func TestTickInFlightFenceSkipsOverlappingTick(t *testing.T) {
	b := memorybus.NewBus()
	ln := fakeln.NewClient(fakeln.NewNode("maker"))
	ch := solanatest.NewClient("maker-chain-pubkey")
	driver, _ := newTestDriver(t, b, ln, ch)

	require.True(t, driver.tickMu.TryLock())
	before := driver.stats.Ticks
	driver.Tick(context.Background())
	require.Equal(t, before, driver.stats.Ticks, "a tick already in flight must be a no-op")
	driver.tickMu.Unlock()
}
