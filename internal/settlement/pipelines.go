package settlement

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/yourusername/swapcore/internal/envelope"
	"github.com/yourusername/swapcore/internal/negotiation"
	"github.com/yourusername/swapcore/internal/schema"
)

func getInt64(body map[string]any, key string) (int64, bool) {
	switch n := body[key].(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func getString(body map[string]any, key string) (string, bool) {
	s, ok := body[key].(string)
	return s, ok
}

func getDecimal(body map[string]any, key string) (decimal.Decimal, bool) {
	s, ok := getString(body, key)
	if !ok {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// pipelineQuoteFromOffer is the maker side: for every non-local,
// unexpired RFQ not yet quoted by us, find a matching local offer line
// and publish a signed quote referencing it.
func (d *Driver) pipelineQuoteFromOffer(ctx context.Context, c *negotiation.Context, actionsLeft int) int {
	if actionsLeft <= 0 {
		return actionsLeft
	}
	nowUnix := d.now().Unix()

	tradeIDs := make([]string, 0, len(c.Negotiations))
	for id := range c.Negotiations {
		tradeIDs = append(tradeIDs, id)
	}
	sort.Strings(tradeIDs)

	for _, tradeID := range tradeIDs {
		if actionsLeft <= 0 {
			break
		}
		n := c.Negotiations[tradeID]
		if n.RFQ == nil || c.MyRFQTradeIDs[tradeID] {
			continue
		}
		rfqSig, err := envelope.ID(n.RFQ)
		if err != nil || d.autoQuotedRFQSig[rfqSig] {
			continue
		}
		key := stageKey{TradeID: tradeID, Stage: "quote_from_offer"}
		if !d.stageReady(key) {
			continue
		}
		validUntil, ok := getInt64(n.RFQ.Body, "valid_until_unix")
		if !ok || nowUnix >= validUntil {
			continue
		}

		line, offerID, lineIdx, windowSec, ok := d.matchOfferForRFQ(c, n.RFQ)
		if !ok {
			continue
		}

		start := d.now()
		st := d.stageStatusFor(key)
		st.InFlight = true

		btcSats, _ := getInt64(n.RFQ.Body, "btc_sats")
		usdtAmount, _ := getString(n.RFQ.Body, "usdt_amount")
		pair, _ := getString(n.RFQ.Body, "pair")
		direction, _ := getString(n.RFQ.Body, "direction")
		appHash, _ := getString(n.RFQ.Body, "app_hash")
		maxPlatform, _ := getInt64(line, "max_platform_fee_bps")
		maxTrade, _ := getInt64(line, "max_trade_fee_bps")

		body := map[string]any{
			"rfq_id":               rfqSig,
			"pair":                 pair,
			"direction":            direction,
			"app_hash":             appHash,
			"btc_sats":             btcSats,
			"usdt_amount":          usdtAmount,
			"platform_fee_bps":     maxPlatform,
			"trade_fee_bps":        maxTrade,
			"trade_fee_collector":  d.localChainB58,
			"offer_id":             offerID,
			"offer_line_index":     lineIdx,
			"sol_refund_window_sec": windowSec,
			"valid_until_unix":     validUntil,
		}
		nonce, err := newNonce()
		if err != nil {
			st.InFlight = false
			continue
		}
		_, err = d.signAndPublish(ctx, n.RFQChannel, envelope.KindQuote, tradeID, body, nonce)
		d.recordStage("quote_from_offer", start, err == nil)
		if err != nil {
			d.markRetry(key, defaultStageCooldown)
			d.traceRecord(tradeID, "quote_from_offer", "quote", "publish failed", err)
			continue
		}
		d.autoQuotedRFQSig[rfqSig] = true
		d.markDone(key)
		d.traceRecord(tradeID, "quote_from_offer", "quote", "published quote for rfq "+rfqSig[:8], nil)
		actionsLeft--
	}
	return actionsLeft
}

// matchOfferForRFQ implements matchOfferForRfq from §4.7: an offer line
// whose (btc_sats, usdt_amount) equals the rfq's, whose fee ceilings are
// at or below the rfq's, and whose refund window range overlaps.
func (d *Driver) matchOfferForRFQ(c *negotiation.Context, rfq *envelope.Envelope) (line map[string]any, offerID string, lineIdx int, windowSec int64, ok bool) {
	rfqSats, ok1 := getInt64(rfq.Body, "btc_sats")
	rfqAmt, ok2 := getDecimal(rfq.Body, "usdt_amount")
	rfqMaxPlatform, _ := getInt64(rfq.Body, "max_platform_fee_bps")
	rfqMaxTrade, _ := getInt64(rfq.Body, "max_trade_fee_bps")
	rfqMaxTotal, _ := getInt64(rfq.Body, "max_total_fee_bps")
	rfqMinWindow, _ := getInt64(rfq.Body, "min_sol_refund_window_sec")
	rfqMaxWindow, _ := getInt64(rfq.Body, "max_sol_refund_window_sec")
	if !ok1 || !ok2 {
		return nil, "", 0, 0, false
	}

	for _, offer := range c.MyOffers {
		offersRaw, _ := offer.Body["offers"].([]any)
		id, err := envelope.ID(offer)
		if err != nil {
			continue
		}
		for i, raw := range offersRaw {
			l, isMap := raw.(map[string]any)
			if !isMap {
				continue
			}
			lSats, ok1 := getInt64(l, "btc_sats")
			lAmt, ok2 := getDecimal(l, "usdt_amount")
			if !ok1 || !ok2 || lSats != rfqSats || !lAmt.Equal(rfqAmt) {
				continue
			}
			lMaxPlatform, _ := getInt64(l, "max_platform_fee_bps")
			lMaxTrade, _ := getInt64(l, "max_trade_fee_bps")
			lMaxTotal, _ := getInt64(l, "max_total_fee_bps")
			if lMaxPlatform > rfqMaxPlatform || lMaxTrade > rfqMaxTrade || lMaxTotal > rfqMaxTotal {
				continue
			}
			lMinWindow, _ := getInt64(l, "min_sol_refund_window_sec")
			lMaxWindow, _ := getInt64(l, "max_sol_refund_window_sec")
			overlapMin := lMinWindow
			if rfqMinWindow > overlapMin {
				overlapMin = rfqMinWindow
			}
			overlapMax := lMaxWindow
			if rfqMaxWindow < overlapMax {
				overlapMax = rfqMaxWindow
			}
			if overlapMin > overlapMax {
				continue
			}
			window := int64(defaultMatchWindow.Seconds())
			if window < overlapMin {
				window = overlapMin
			}
			if window > overlapMax {
				window = overlapMax
			}
			return l, id, i, window, true
		}
	}
	return nil, "", 0, 0, false
}

// pipelineAcceptQuote is the taker side: for every non-local quote whose
// trade_id traces back to one of our own RFQs, not terminal, not already
// locked, accept it — locking out any further accept for that RFQ.
func (d *Driver) pipelineAcceptQuote(ctx context.Context, c *negotiation.Context, actionsLeft int) int {
	if actionsLeft <= 0 {
		return actionsLeft
	}
	for _, ref := range c.QuoteEvents {
		if actionsLeft <= 0 {
			break
		}
		tradeID := ref.Envelope.TradeID
		if tradeID == "" || !c.MyRFQTradeIDs[tradeID] {
			continue
		}
		if d.autoAcceptedTradeLock[tradeID] {
			continue
		}
		if tc, ok := c.Trades[tradeID]; ok && tc.Terminal() {
			continue
		}
		key := stageKey{TradeID: tradeID, Stage: "accept_quote"}
		if !d.stageReady(key) {
			continue
		}

		n, ok := c.Negotiations[tradeID]
		if !ok || n.RFQ == nil {
			continue
		}
		if r := schema.ValidateQuoteAgainstRFQ(ref.Envelope, n.RFQ); !r.OK {
			d.traceRecord(tradeID, "accept_quote", "quote", "quote failed cross-field validation: "+r.Reason, nil)
			d.markRetry(key, defaultStageCooldown)
			continue
		}
		validUntil, okVU := getInt64(ref.Envelope.Body, "valid_until_unix")
		if okVU && d.now().Unix() >= validUntil {
			continue
		}

		quoteID, err := envelope.ID(ref.Envelope)
		if err != nil {
			continue
		}
		rfqID, _ := getString(ref.Envelope.Body, "rfq_id")

		start := d.now()
		st := d.stageStatusFor(key)
		st.InFlight = true

		body := map[string]any{"rfq_id": rfqID, "quote_id": quoteID, "taker_chain_b58": d.localChainB58}
		nonce, err := newNonce()
		if err != nil {
			st.InFlight = false
			continue
		}
		_, err = d.signAndPublish(ctx, ref.Channel, envelope.KindQuoteAccept, tradeID, body, nonce)
		d.recordStage("accept_quote", start, err == nil)
		if err != nil {
			d.markRetry(key, defaultStageCooldown)
			d.traceRecord(tradeID, "accept_quote", "quote_accept", "publish failed", err)
			continue
		}
		d.autoAcceptedTradeLock[tradeID] = true
		d.markDone(key)
		d.traceRecord(tradeID, "accept_quote", "quote_accept", "accepted quote "+quoteID[:8], nil)
		actionsLeft--
	}
	return actionsLeft
}

// pipelineInviteFromAccept is the maker side: for every non-local
// quote_accept whose quote_id maps to one of our own quotes, publish a
// swap_invite and subscribe to the freshly minted swap:<id> channel.
func (d *Driver) pipelineInviteFromAccept(ctx context.Context, c *negotiation.Context, actionsLeft int) int {
	if actionsLeft <= 0 {
		return actionsLeft
	}
	for _, ev := range c.Accepts {
		if actionsLeft <= 0 {
			break
		}
		e, err := envelope.Parse(ev.Message)
		if err != nil {
			continue
		}
		quoteID, _ := getString(e.Body, "quote_id")
		myQuote, ok := c.MyQuoteByID[quoteID]
		if !ok {
			continue
		}
		tradeID := e.TradeID
		if d.invitedQuoteAccept[quoteID] {
			continue
		}
		key := stageKey{TradeID: tradeID, Stage: "invite_from_accept"}
		if !d.stageReady(key) {
			continue
		}

		start := d.now()
		st := d.stageStatusFor(key)
		st.InFlight = true

		swapChannel := "swap:" + tradeID
		rfqID, _ := getString(myQuote.Envelope.Body, "rfq_id")
		body := map[string]any{
			"rfq_id":       rfqID,
			"quote_id":     quoteID,
			"swap_channel": swapChannel,
			"owner_pubkey": e.Signer, // the accept's signer: the taker this invite is addressed to
			"invite_b64":   hex.EncodeToString([]byte(swapChannel)), // opaque bus-layer invite blob
		}
		nonce, err := newNonce()
		if err != nil {
			st.InFlight = false
			continue
		}
		_, err = d.signAndPublish(ctx, ev.Channel, envelope.KindSwapInvite, tradeID, body, nonce)
		if err == nil {
			subCtx, cancel := context.WithTimeout(ctx, d.Cfg.SubscribeTimeout)
			err = d.Bus.Subscribe(subCtx, []string{swapChannel})
			cancel()
		}
		d.recordStage("invite_from_accept", start, err == nil)
		if err != nil {
			d.markRetry(key, defaultStageCooldown)
			d.traceRecord(tradeID, "invite_from_accept", "swap_invite", "publish/subscribe failed", err)
			continue
		}
		d.invitedQuoteAccept[quoteID] = true
		d.markDone(key)
		d.traceRecord(tradeID, "invite_from_accept", "swap_invite", "invited into "+swapChannel, nil)
		actionsLeft--
	}
	return actionsLeft
}

// pipelineJoinInvite is the taker side: for every non-local swap_invite
// addressed to us, join the bus channel and subscribe to it.
func (d *Driver) pipelineJoinInvite(ctx context.Context, c *negotiation.Context, actionsLeft int) int {
	if actionsLeft <= 0 {
		return actionsLeft
	}
	for _, ev := range c.Invites {
		if actionsLeft <= 0 {
			break
		}
		e, err := envelope.Parse(ev.Message)
		if err != nil {
			continue
		}
		owner, _ := getString(e.Body, "owner_pubkey")
		if owner != d.localPeerHex {
			continue
		}
		swapChannel, _ := getString(e.Body, "swap_channel")
		if swapChannel == "" || d.joinedSwapChannel[swapChannel] {
			continue
		}
		key := stageKey{TradeID: e.TradeID, Stage: "join_invite"}
		if !d.stageReady(key) {
			continue
		}

		start := d.now()
		st := d.stageStatusFor(key)
		st.InFlight = true

		joinCtx, cancel := context.WithTimeout(ctx, d.Cfg.SubscribeTimeout)
		err = d.Bus.Join(joinCtx, swapChannel)
		cancel()
		if err == nil {
			subCtx, cancel2 := context.WithTimeout(ctx, d.Cfg.SubscribeTimeout)
			err = d.Bus.Subscribe(subCtx, []string{swapChannel})
			cancel2()
		}
		d.recordStage("join_invite", start, err == nil)
		if err != nil {
			d.markRetry(key, defaultStageCooldown)
			d.traceRecord(e.TradeID, "join_invite", "swap_invite", "join/subscribe failed", err)
			continue
		}
		d.joinedSwapChannel[swapChannel] = true
		d.markDone(key)
		d.traceRecord(e.TradeID, "join_invite", "swap_invite", "joined "+swapChannel, nil)
		actionsLeft--
	}
	return actionsLeft
}

var errBindingCheckFailed = fmt.Errorf("settlement: binding check failed")

// bindingChecksOK implements §4.7.1's two binding checks: they must pass
// whenever terms exist, and a taker who fails them never proceeds.
func bindingChecksOK(terms *envelope.Envelope, iAmTaker bool, localPeerHex, localChainB58 string) error {
	if terms == nil || !iAmTaker {
		return nil
	}
	payerPeer, _ := getString(terms.Body, "ln_payer_peer")
	if payerPeer != localPeerHex {
		return errBindingCheckFailed
	}
	recipient, _ := getString(terms.Body, "sol_recipient")
	if recipient != localChainB58 {
		return errBindingCheckFailed
	}
	return nil
}
