// Package envelope implements the canonical serialization, content
// addressing, and Ed25519 signing of the signed-envelope negotiation
// protocol (C1/C2 of the settlement core).
package envelope

import (
	"bytes"
	"encoding/json"
)

// Kind enumerates the envelope taxonomy. Values are the wire strings
// used in the "kind" field, never renumbered or reused.
type Kind string

const (
	KindRFQ           Kind = "rfq"
	KindQuote         Kind = "quote"
	KindQuoteAccept   Kind = "quote_accept"
	KindSvcAnnounce   Kind = "svc_announce"
	KindSwapInvite    Kind = "swap_invite"
	KindTerms         Kind = "terms"
	KindAccept        Kind = "accept"
	KindLnInvoice     Kind = "ln_invoice"
	KindSolEscrow     Kind = "sol_escrow_created"
	KindLnPaid        Kind = "ln_paid"
	KindSolClaimed    Kind = "sol_claimed"
	KindSolRefunded   Kind = "sol_refunded"
	KindCancel        Kind = "cancel"
)

// ProtocolVersion is the only "v" value this build emits or accepts.
const ProtocolVersion = 1

// Envelope is every protocol message. Body holds kind-specific fields as
// an arbitrary JSON-compatible map; this package has no per-kind typed
// accessors, and internal/schema validates each kind's body fields.
type Envelope struct {
	V       int             `json:"v"`
	Kind    Kind            `json:"kind"`
	TradeID string          `json:"trade_id"`
	Body    map[string]any  `json:"body"`
	TS      int64           `json:"ts"`
	Nonce   string          `json:"nonce"`

	// Present only once signed.
	Signer string `json:"signer,omitempty"`
	Sig    string `json:"sig,omitempty"`
}

// Signed is an Envelope that has been through Sign and therefore carries
// Signer/Sig. The distinct type keeps "might be unsigned" out of the
// settlement driver's publish path at compile time.
type Signed struct {
	Envelope
}

// IsSigned reports whether both Signer and Sig are populated.
func (e *Envelope) IsSigned() bool {
	return e.Signer != "" && e.Sig != ""
}

// unsigned returns a copy of e with Signer/Sig cleared, for hashing and
// signing over the canonical unsigned projection (§4.1).
func (e *Envelope) unsigned() *Envelope {
	cp := *e
	cp.Signer = ""
	cp.Sig = ""
	return &cp
}

// toMap renders the envelope (signed or not) as a generic map so the
// canonicalizer can sort keys uniformly regardless of Go struct field
// order.
func (e *Envelope) toMap() (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}
