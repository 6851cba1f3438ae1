// Package negotiation implements the event context builder (C6): it
// folds a window of sidechannel log events into per-negotiation and
// per-trade contexts the settlement driver (C7) reads from every tick.
// It performs no I/O and never mutates its input.
package negotiation

import (
	"strings"

	"github.com/yourusername/swapcore/internal/bus"
	"github.com/yourusername/swapcore/internal/envelope"
)

const swapChannelPrefix = "swap:"

// QuoteRef pairs a parsed quote envelope with the log event and channel
// it was observed on, matching §6's log_read event shape.
type QuoteRef struct {
	Event    bus.Event
	Envelope *envelope.Envelope
	Channel  string
}

// Negotiation is the first-seen record for one pre-settlement thread,
// correlated by the shared trade_id carried by rfq/quote/quote_accept/
// swap_invite.
type Negotiation struct {
	TradeID     string
	RFQChannel  string // bus channel the rfq/quote/quote_accept thread is observed on
	RFQ         *envelope.Envelope
	Quote       *envelope.Envelope
	QuoteAccept *envelope.Envelope
	SwapInvite  *envelope.Envelope
	SwapChannel string
}

// TradeContext is the first-seen record for one swap:<id> channel, per
// §4.6. Terminal reports whether the trade is done being driven.
type TradeContext struct {
	TradeID  string
	Channel  string
	Terms    *envelope.Envelope
	Accept   *envelope.Envelope
	Invoice  *envelope.Envelope
	Escrow   *envelope.Envelope
	LnPaid   *envelope.Envelope
	Claimed  *envelope.Envelope
	Refunded *envelope.Envelope
	Canceled *envelope.Envelope
	LastTS   int64
}

func (t *TradeContext) Terminal() bool {
	return t.Claimed != nil || t.Refunded != nil || t.Canceled != nil
}

// Context is the full output of Build: everything the settlement driver
// and its five pipelines read from on a tick.
type Context struct {
	LocalPeerHex string

	MyRFQTradeIDs map[string]bool
	MyQuoteByID   map[string]QuoteRef // keyed by the quote's own envelope ID
	QuoteEvents   []QuoteRef          // non-local quotes, in log order

	MyOffers []*envelope.Envelope // local svc_announce, for quote-from-offer matching
	Offers  []bus.Event // non-local svc_announce
	Accepts []bus.Event // non-local quote_accept
	Invites []bus.Event // non-local swap_invite

	Negotiations map[string]*Negotiation // keyed by trade_id
	Trades       map[string]*TradeContext // keyed by trade_id
}

func newContext(localPeerHex string) *Context {
	return &Context{
		LocalPeerHex:  strings.ToLower(localPeerHex),
		MyRFQTradeIDs: make(map[string]bool),
		MyQuoteByID:   make(map[string]QuoteRef),
		Negotiations:  make(map[string]*Negotiation),
		Trades:        make(map[string]*TradeContext),
	}
}

func (c *Context) negotiation(tradeID string) *Negotiation {
	n, ok := c.Negotiations[tradeID]
	if !ok {
		n = &Negotiation{TradeID: tradeID}
		c.Negotiations[tradeID] = n
	}
	return n
}

func (c *Context) tradeContext(tradeID, channel string) *TradeContext {
	t, ok := c.Trades[tradeID]
	if !ok {
		t = &TradeContext{TradeID: tradeID, Channel: channel}
		c.Trades[tradeID] = t
	}
	return t
}

func bodyString(body map[string]any, key string) string {
	s, _ := body[key].(string)
	return s
}

// Build folds a bounded window of log events into a Context. Events that
// fail to parse as envelopes are skipped (a malformed or foreign message
// on the bus must never abort the driver's tick).
func Build(events []bus.Event, localPeerHex string) *Context {
	c := newContext(localPeerHex)

	for _, ev := range events {
		e, err := envelope.Parse(ev.Message)
		if err != nil {
			continue
		}
		local := strings.EqualFold(e.Signer, localPeerHex) && e.Signer != ""

		switch e.Kind {
		case envelope.KindRFQ:
			if e.TradeID != "" {
				n := c.negotiation(e.TradeID)
				if n.RFQ == nil {
					n.RFQ = e
				}
				if n.RFQChannel == "" {
					n.RFQChannel = ev.Channel
				}
			}
			if local && e.TradeID != "" {
				c.MyRFQTradeIDs[e.TradeID] = true
			}

		case envelope.KindQuote:
			id, err := envelope.ID(e)
			if err != nil {
				continue
			}
			ref := QuoteRef{Event: ev, Envelope: e, Channel: ev.Channel}
			if e.TradeID != "" {
				n := c.negotiation(e.TradeID)
				if n.Quote == nil {
					n.Quote = e
				}
				if n.RFQChannel == "" {
					n.RFQChannel = ev.Channel
				}
			}
			if local {
				c.MyQuoteByID[id] = ref
			} else {
				c.QuoteEvents = append(c.QuoteEvents, ref)
			}

		case envelope.KindQuoteAccept:
			if e.TradeID != "" {
				if n := c.negotiation(e.TradeID); n.QuoteAccept == nil {
					n.QuoteAccept = e
				}
			}
			if !local {
				c.Accepts = append(c.Accepts, ev)
			}

		case envelope.KindSvcAnnounce:
			if local {
				c.MyOffers = append(c.MyOffers, e)
			} else {
				c.Offers = append(c.Offers, ev)
			}

		case envelope.KindSwapInvite:
			if e.TradeID != "" {
				n := c.negotiation(e.TradeID)
				if n.SwapInvite == nil {
					n.SwapInvite = e
				}
				if n.SwapChannel == "" {
					n.SwapChannel = bodyString(e.Body, "swap_channel")
				}
			}
			if !local {
				c.Invites = append(c.Invites, ev)
			}
		}

		if !strings.HasPrefix(ev.Channel, swapChannelPrefix) || e.TradeID == "" {
			continue
		}
		t := c.tradeContext(e.TradeID, ev.Channel)
		if ev.TS > t.LastTS {
			t.LastTS = ev.TS
		}
		switch e.Kind {
		case envelope.KindTerms:
			if t.Terms == nil {
				t.Terms = e
			}
		case envelope.KindAccept:
			if t.Accept == nil {
				t.Accept = e
			}
		case envelope.KindLnInvoice:
			if t.Invoice == nil {
				t.Invoice = e
			}
		case envelope.KindSolEscrow:
			if t.Escrow == nil {
				t.Escrow = e
			}
		case envelope.KindLnPaid:
			if t.LnPaid == nil {
				t.LnPaid = e
			}
		case envelope.KindSolClaimed:
			if t.Claimed == nil {
				t.Claimed = e
			}
		case envelope.KindSolRefunded:
			if t.Refunded == nil {
				t.Refunded = e
			}
		case envelope.KindCancel:
			if t.Canceled == nil {
				t.Canceled = e
			}
		}
	}

	// Terminal trades are excluded from further driver work (§4.6) and
	// pruned from the negotiation cache that fed them.
	for tradeID, t := range c.Trades {
		if t.Terminal() {
			delete(c.Trades, tradeID)
			delete(c.Negotiations, tradeID)
		}
	}

	return c
}
