package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yourusername/swapcore/internal/chain"
	"github.com/yourusername/swapcore/internal/envelope"
	"github.com/yourusername/swapcore/internal/models"
	"github.com/yourusername/swapcore/internal/negotiation"
)

// roleOf determines whether the local peer is the maker (the quote
// author) or the taker (the RFQ author, who accepts the quote) for a
// trade, from the envelope signers observed so far.
func roleOf(n *negotiation.Negotiation, localPeerHex string) (models.Role, bool) {
	if n == nil || n.RFQ == nil {
		return "", false
	}
	if strings.EqualFold(n.RFQ.Signer, localPeerHex) {
		return models.RoleTaker, true // RFQ author is shopping, the quoting side is the maker
	}
	if n.Quote != nil && strings.EqualFold(n.Quote.Signer, localPeerHex) {
		return models.RoleMaker, true
	}
	return "", false
}

func termsHash(terms *envelope.Envelope) (string, error) {
	canon, err := envelope.Canonical(terms)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// pipelineStateMachine drives the six-stage per-trade machine: terms,
// accept, invoice, escrow, ln_pay, sol_claim. Each stage is gated by its
// own stageKey so a replayed tick or a duplicate log entry never
// re-issues a publish or a chain/LN call that already succeeded.
func (d *Driver) pipelineStateMachine(ctx context.Context, c *negotiation.Context, actionsLeft int) int {
	if actionsLeft <= 0 {
		return actionsLeft
	}

	// A trade enters the state machine once either side has seen a
	// swap:<id> event (c.Trades) or a swap_invite has been exchanged
	// (c.Negotiations) — the latter covers the very first stage, terms
	// post, whose own envelope is the trade's first swap-channel event
	// and so can never appear in c.Trades ahead of itself.
	seen := make(map[string]bool, len(c.Trades)+len(c.Negotiations))
	for id := range c.Trades {
		seen[id] = true
	}
	for id, n := range c.Negotiations {
		if n.SwapInvite != nil {
			seen[id] = true
		}
	}
	tradeIDs := make([]string, 0, len(seen))
	for id := range seen {
		tradeIDs = append(tradeIDs, id)
	}
	sort.Strings(tradeIDs)
	if len(tradeIDs) > d.Cfg.MaxTrades {
		d.traceRecord("", "state_machine", "", "trade count exceeds max_trades, truncating this tick", nil)
		tradeIDs = tradeIDs[:d.Cfg.MaxTrades]
	}

	for _, tradeID := range tradeIDs {
		if actionsLeft <= 0 {
			break
		}
		n := c.Negotiations[tradeID]
		tc, ok := c.Trades[tradeID]
		if !ok {
			channel := n.SwapChannel
			if channel == "" {
				channel = "swap:" + tradeID
			}
			tc = &negotiation.TradeContext{TradeID: tradeID, Channel: channel}
		}
		role, known := roleOf(n, d.localPeerHex)
		if !known {
			continue
		}
		iAmTaker := role == models.RoleTaker

		if err := bindingChecksOK(tc.Terms, iAmTaker, d.localPeerHex, d.localChainB58); err != nil {
			d.traceRecord(tradeID, "binding_check", "", "binding check failed, holding trade", err)
			continue
		}

		actionsLeft = d.driveStage(ctx, tc, n, role, actionsLeft)
	}
	return actionsLeft
}

// driveStage dispatches to exactly one stage per trade per tick — the
// earliest stage whose precondition is met and whose cooldown has
// elapsed — mirroring the sequential terms -> accept -> invoice ->
// escrow -> ln_pay -> sol_claim progression.
func (d *Driver) driveStage(ctx context.Context, tc *negotiation.TradeContext, n *negotiation.Negotiation, role models.Role, actionsLeft int) int {
	switch {
	case tc.Terms == nil:
		return d.stageTermsPost(ctx, tc, n, role, actionsLeft)
	case tc.Accept == nil:
		return d.stageTermsAccept(ctx, tc, role, actionsLeft)
	case tc.Invoice == nil:
		return d.stageLnInvoice(ctx, tc, role, actionsLeft)
	case tc.Escrow == nil:
		return d.stageSolEscrow(ctx, tc, role, actionsLeft)
	case tc.LnPaid == nil:
		return d.stageLnPay(ctx, tc, role, actionsLeft)
	default:
		return d.stageSolClaim(ctx, tc, role, actionsLeft)
	}
}

// stageTermsPost is the maker's job: publish the binding terms envelope
// once a swap channel exists with an invite on record.
func (d *Driver) stageTermsPost(ctx context.Context, tc *negotiation.TradeContext, n *negotiation.Negotiation, role models.Role, actionsLeft int) int {
	if role != models.RoleMaker || n == nil || n.Quote == nil || n.QuoteAccept == nil {
		return actionsLeft
	}
	takerChainB58, _ := getString(n.QuoteAccept.Body, "taker_chain_b58")
	if takerChainB58 == "" {
		return actionsLeft
	}
	key := stageKey{TradeID: tc.TradeID, Stage: "terms_post"}
	if !d.stageReady(key) {
		return actionsLeft
	}
	start := d.now()
	st := d.stageStatusFor(key)
	st.InFlight = true

	btcSats, _ := getInt64(n.Quote.Body, "btc_sats")
	usdtAmount, _ := getString(n.Quote.Body, "usdt_amount")
	platformBps, _ := getInt64(n.Quote.Body, "platform_fee_bps")
	tradeBps, _ := getInt64(n.Quote.Body, "trade_fee_bps")
	collector, _ := getString(n.Quote.Body, "trade_fee_collector")
	windowSec, _ := getInt64(n.Quote.Body, "sol_refund_window_sec")

	body := map[string]any{
		"btc_sats":               btcSats,
		"usdt_amount":            usdtAmount,
		"platform_fee_bps":       platformBps,
		"trade_fee_bps":          tradeBps,
		"trade_fee_collector":    collector,
		"sol_mint":               collector, // placeholder mint authority until an escrow-program IDL is available; see the internal/settlement open-question note in DESIGN.md
		"sol_recipient":          takerChainB58,
		"sol_refund":             d.localChainB58,
		"sol_refund_after_unix":  d.now().Unix() + windowSec,
		"ln_receiver_peer":       d.localPeerHex,
		"ln_payer_peer":          counterpartyPeerHex(n, d.localPeerHex),
		"terms_valid_until_unix": d.now().Unix() + int64(defaultMatchWindow.Seconds()),
	}
	nonce, err := newNonce()
	if err != nil {
		st.InFlight = false
		return actionsLeft
	}
	_, err = d.signAndPublish(ctx, tc.Channel, envelope.KindTerms, tc.TradeID, body, nonce)
	d.recordStage("terms_post", start, err == nil)
	if err != nil {
		d.markRetry(key, defaultStageCooldown)
		d.traceRecord(tc.TradeID, "terms_post", "terms", "publish failed", err)
		return actionsLeft
	}
	d.markDone(key)
	d.persistTradeState(tc.TradeID, models.StateTerms, role, nil)
	d.traceRecord(tc.TradeID, "terms_post", "terms", "published terms", nil)
	return actionsLeft - 1
}

// counterpartyPeerHex returns the signer of whichever of rfq/quote isn't
// the local peer, for filling in the other side of a terms envelope.
func counterpartyPeerHex(n *negotiation.Negotiation, localPeerHex string) string {
	if n == nil {
		return ""
	}
	if n.RFQ != nil && !strings.EqualFold(n.RFQ.Signer, localPeerHex) {
		return n.RFQ.Signer
	}
	if n.Quote != nil && !strings.EqualFold(n.Quote.Signer, localPeerHex) {
		return n.Quote.Signer
	}
	return ""
}

// stageTermsAccept is the taker's job: acknowledge the terms by hash.
func (d *Driver) stageTermsAccept(ctx context.Context, tc *negotiation.TradeContext, role models.Role, actionsLeft int) int {
	if role != models.RoleTaker {
		return actionsLeft
	}
	key := stageKey{TradeID: tc.TradeID, Stage: "terms_accept"}
	if !d.stageReady(key) {
		return actionsLeft
	}
	hash, err := termsHash(tc.Terms)
	if err != nil {
		return actionsLeft
	}
	start := d.now()
	st := d.stageStatusFor(key)
	st.InFlight = true

	nonce, err := newNonce()
	if err != nil {
		st.InFlight = false
		return actionsLeft
	}
	_, err = d.signAndPublish(ctx, tc.Channel, envelope.KindAccept, tc.TradeID, map[string]any{"terms_hash": hash}, nonce)
	d.recordStage("terms_accept", start, err == nil)
	if err != nil {
		d.markRetry(key, defaultStageCooldown)
		d.traceRecord(tc.TradeID, "terms_accept", "accept", "publish failed", err)
		return actionsLeft
	}
	d.markDone(key)
	d.persistTradeState(tc.TradeID, models.StateAccepted, role, nil)
	d.traceRecord(tc.TradeID, "terms_accept", "accept", "accepted terms "+hash[:8], nil)
	return actionsLeft - 1
}

// stageLnInvoice is the maker's job: the LN receiver creates the hold
// invoice that fixes the payment hash both sides will escrow against.
func (d *Driver) stageLnInvoice(ctx context.Context, tc *negotiation.TradeContext, role models.Role, actionsLeft int) int {
	if role != models.RoleMaker || tc.Accept == nil {
		return actionsLeft
	}
	key := stageKey{TradeID: tc.TradeID, Stage: "ln_invoice"}
	if !d.stageReady(key) {
		return actionsLeft
	}
	btcSats, _ := getInt64(tc.Terms.Body, "btc_sats")

	start := d.now()
	st := d.stageStatusFor(key)
	st.InFlight = true

	invCtx, cancel := context.WithTimeout(ctx, d.Cfg.ToolTimeout)
	bolt11, paymentHashHex, err := d.LN.CreateInvoice(invCtx, btcSats, tc.TradeID, "atomic swap "+tc.TradeID)
	cancel()
	if err != nil {
		st.InFlight = false
		d.markRetry(key, defaultStageCooldown)
		d.traceRecord(tc.TradeID, "ln_invoice", "", "create invoice failed", err)
		return actionsLeft
	}

	nonce, nerr := newNonce()
	if nerr != nil {
		st.InFlight = false
		return actionsLeft
	}
	body := map[string]any{"bolt11": bolt11, "payment_hash_hex": paymentHashHex}
	_, err = d.signAndPublish(ctx, tc.Channel, envelope.KindLnInvoice, tc.TradeID, body, nonce)
	d.recordStage("ln_invoice", start, err == nil)
	if err != nil {
		d.markRetry(key, defaultStageCooldown)
		d.traceRecord(tc.TradeID, "ln_invoice", "ln_invoice", "publish failed", err)
		return actionsLeft
	}
	d.markDone(key)
	patch := models.TradePatch{LnInvoiceBolt11: models.StringPtr(bolt11), LnPaymentHashHex: models.StringPtr(paymentHashHex)}
	d.persistTradeState(tc.TradeID, models.StateInvoice, role, &patch)
	d.traceRecord(tc.TradeID, "ln_invoice", "ln_invoice", "invoice created", nil)
	return actionsLeft - 1
}

// stageSolEscrow is the maker's job: the SPL-token depositor builds and
// sends the hashlocked escrow-init transaction once the invoice's
// payment hash is known.
func (d *Driver) stageSolEscrow(ctx context.Context, tc *negotiation.TradeContext, role models.Role, actionsLeft int) int {
	if role != models.RoleMaker || tc.Invoice == nil {
		return actionsLeft
	}
	key := stageKey{TradeID: tc.TradeID, Stage: "sol_escrow"}
	if !d.stageReady(key) {
		return actionsLeft
	}
	paymentHashHex, _ := getString(tc.Invoice.Body, "payment_hash_hex")
	amount, ok := getDecimal(tc.Terms.Body, "usdt_amount")
	if !ok {
		return actionsLeft
	}
	mint, _ := getString(tc.Terms.Body, "sol_mint")
	recipient, _ := getString(tc.Terms.Body, "sol_recipient")
	refund, _ := getString(tc.Terms.Body, "sol_refund")
	refundAfter, _ := getInt64(tc.Terms.Body, "sol_refund_after_unix")
	collector, _ := getString(tc.Terms.Body, "trade_fee_collector")

	start := d.now()
	st := d.stageStatusFor(key)
	st.InFlight = true

	buildCtx, cancel := context.WithTimeout(ctx, d.Cfg.ToolTimeout)
	tx, err := d.Chain.BuildEscrowInitTx(buildCtx, chain.EscrowInitParams{
		PaymentHashHex:    paymentHashHex,
		Mint:              mint,
		Amount:            amount,
		Recipient:         recipient,
		Refund:            refund,
		RefundAfterUnix:   refundAfter,
		TradeFeeCollector: collector,
	})
	cancel()
	if err != nil {
		st.InFlight = false
		d.markRetry(key, defaultStageCooldown)
		d.traceRecord(tc.TradeID, "sol_escrow", "", "build escrow tx failed", err)
		return actionsLeft
	}

	sendCtx, cancel2 := context.WithTimeout(ctx, d.Cfg.ToolTimeout)
	sig, err := d.Chain.SendAndConfirm(sendCtx, tx)
	cancel2()
	if err != nil {
		st.InFlight = false
		d.markRetry(key, defaultStageCooldown)
		d.traceRecord(tc.TradeID, "sol_escrow", "", "send escrow tx failed", err)
		return actionsLeft
	}

	escrowState, err := d.Chain.ReadEscrowState(ctx, paymentHashHex)
	var vaultATA, escrowPDA string
	if err == nil && escrowState != nil {
		escrowPDA = tx.Describe()
		vaultATA = escrowState.Recipient
	}
	nonce, nerr := newNonce()
	if nerr != nil {
		st.InFlight = false
		return actionsLeft
	}
	body := map[string]any{
		"escrow_pda":        escrowPDA,
		"vault_ata":         vaultATA,
		"tx_sig":            sig,
		"payment_hash_hex":  paymentHashHex,
		"net_amount":        amount.String(),
		"fee_amount":        decimal.Zero.String(),
		"refund_after_unix": refundAfter,
	}
	_, err = d.signAndPublish(ctx, tc.Channel, envelope.KindSolEscrow, tc.TradeID, body, nonce)
	d.recordStage("sol_escrow", start, err == nil)
	if err != nil {
		d.markRetry(key, defaultStageCooldown)
		d.traceRecord(tc.TradeID, "sol_escrow", "sol_escrow_created", "publish failed", err)
		return actionsLeft
	}
	d.markDone(key)
	patch := models.TradePatch{SolEscrowPDA: models.StringPtr(escrowPDA), SolVaultATA: models.StringPtr(vaultATA)}
	d.persistTradeState(tc.TradeID, models.StateEscrow, role, &patch)
	d.traceRecord(tc.TradeID, "sol_escrow", "sol_escrow_created", "escrow sent "+sig, nil)
	return actionsLeft - 1
}

// stageLnPay is the taker's job: once the escrow is visible on chain,
// pay the invoice; the preimage the payment reveals is what this same
// taker then uses in sol_claim.
func (d *Driver) stageLnPay(ctx context.Context, tc *negotiation.TradeContext, role models.Role, actionsLeft int) int {
	if role != models.RoleTaker || tc.Escrow == nil {
		return actionsLeft
	}
	key := stageKey{TradeID: tc.TradeID, Stage: "ln_pay"}
	if !d.stageReady(key) {
		return actionsLeft
	}
	bolt11, _ := getString(tc.Invoice.Body, "bolt11")
	paymentHashHex, _ := getString(tc.Invoice.Body, "payment_hash_hex")

	start := d.now()
	st := d.stageStatusFor(key)
	st.InFlight = true

	payCtx, cancel := context.WithTimeout(ctx, d.Cfg.ToolTimeout)
	preimageHex, _, err := d.LN.Pay(payCtx, bolt11, 0, d.Cfg.ToolTimeout)
	cancel()
	if err != nil {
		st.InFlight = false
		d.markRetry(key, defaultStageCooldown)
		d.traceRecord(tc.TradeID, "ln_pay", "", "payment failed", err)
		return actionsLeft
	}
	d.tradePreimage[tc.TradeID] = preimageHex

	nonce, nerr := newNonce()
	if nerr != nil {
		st.InFlight = false
		return actionsLeft
	}
	body := map[string]any{"payment_hash_hex": paymentHashHex, "preimage_hex": preimageHex}
	_, err = d.signAndPublish(ctx, tc.Channel, envelope.KindLnPaid, tc.TradeID, body, nonce)
	d.recordStage("ln_pay", start, err == nil)
	if err != nil {
		d.markRetry(key, defaultStageCooldown)
		d.traceRecord(tc.TradeID, "ln_pay", "ln_paid", "publish failed", err)
		return actionsLeft
	}
	d.markDone(key)
	patch := models.TradePatch{LnPreimageHex: models.StringPtr(preimageHex)}
	d.persistTradeState(tc.TradeID, models.StateLnPaid, role, &patch)
	d.traceRecord(tc.TradeID, "ln_pay", "ln_paid", "paid invoice, preimage revealed", nil)
	return actionsLeft - 1
}

// stageSolClaim is the taker's job, gated by a longer cooldown (§4.7
// "sol_claim gets its own 15s cooldown, distinct from the others"): once
// the preimage is public, claim the escrowed funds.
func (d *Driver) stageSolClaim(ctx context.Context, tc *negotiation.TradeContext, role models.Role, actionsLeft int) int {
	if role != models.RoleTaker || tc.LnPaid == nil {
		return actionsLeft
	}
	key := stageKey{TradeID: tc.TradeID, Stage: "sol_claim"}
	if !d.stageReady(key) {
		return actionsLeft
	}
	preimageHex, ok := getString(tc.LnPaid.Body, "preimage_hex")
	if !ok || preimageHex == "" {
		preimageHex = d.tradePreimage[tc.TradeID]
	}
	if preimageHex == "" {
		if rec, err := d.Store.GetTrade(tc.TradeID); err == nil && rec != nil {
			preimageHex = rec.LnPreimageHex
		}
	}
	if preimageHex == "" {
		return actionsLeft
	}
	paymentHashHex, _ := getString(tc.LnPaid.Body, "payment_hash_hex")
	collector, _ := getString(tc.Terms.Body, "trade_fee_collector")

	start := d.now()
	st := d.stageStatusFor(key)
	st.InFlight = true

	buildCtx, cancel := context.WithTimeout(ctx, d.Cfg.ToolTimeout)
	tx, err := d.Chain.BuildClaimTx(buildCtx, chain.ClaimParams{
		PaymentHashHex:     paymentHashHex,
		RecipientTokenAcct: d.localChainB58,
		PreimageHex:        preimageHex,
		TradeFeeCollector:  collector,
	})
	cancel()
	if err != nil {
		st.InFlight = false
		d.markRetry(key, solClaimStageCooldown)
		d.traceRecord(tc.TradeID, "sol_claim", "", "build claim tx failed", err)
		return actionsLeft
	}

	sendCtx, cancel2 := context.WithTimeout(ctx, d.Cfg.ToolTimeout)
	sig, err := d.Chain.SendAndConfirm(sendCtx, tx)
	cancel2()
	if err != nil {
		st.InFlight = false
		d.markRetry(key, solClaimStageCooldown)
		d.traceRecord(tc.TradeID, "sol_claim", "", "send claim tx failed", err)
		return actionsLeft
	}

	nonce, nerr := newNonce()
	if nerr != nil {
		st.InFlight = false
		return actionsLeft
	}
	_, err = d.signAndPublish(ctx, tc.Channel, envelope.KindSolClaimed, tc.TradeID, map[string]any{"tx_sig": sig}, nonce)
	d.recordStage("sol_claim", start, err == nil)
	if err != nil {
		d.markRetry(key, solClaimStageCooldown)
		d.traceRecord(tc.TradeID, "sol_claim", "sol_claimed", "publish failed", err)
		return actionsLeft
	}
	d.markDone(key)
	d.persistTradeState(tc.TradeID, models.StateClaimed, role, nil)
	d.traceRecord(tc.TradeID, "sol_claim", "sol_claimed", "claimed "+sig, nil)
	return actionsLeft - 1
}

// persistTradeState writes the durable receipt row for a stage
// transition. A nil store (unit tests without sqlite wired) is a no-op.
func (d *Driver) persistTradeState(tradeID string, state models.TradeState, role models.Role, extra *models.TradePatch) {
	if d.Store == nil {
		return
	}
	patch := models.TradePatch{State: models.StatePtr(state), Role: models.RolePtr(role)}
	if extra != nil {
		if extra.LnInvoiceBolt11 != nil {
			patch.LnInvoiceBolt11 = extra.LnInvoiceBolt11
		}
		if extra.LnPaymentHashHex != nil {
			patch.LnPaymentHashHex = extra.LnPaymentHashHex
		}
		if extra.LnPreimageHex != nil {
			patch.LnPreimageHex = extra.LnPreimageHex
		}
		if extra.SolEscrowPDA != nil {
			patch.SolEscrowPDA = extra.SolEscrowPDA
		}
		if extra.SolVaultATA != nil {
			patch.SolVaultATA = extra.SolVaultATA
		}
	}
	_, _ = d.Store.UpsertTrade(tradeID, patch)
}
