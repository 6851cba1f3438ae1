// Package solanatest is a deterministic, in-memory chain.Client fake
// for settlement driver and sweeper tests, keeping escrow state in a
// map instead of talking to a cluster.
package solanatest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/yourusername/swapcore/internal/chain"
)

type fakeTx struct {
	kind string
	hash string
}

func (t *fakeTx) Describe() string { return fmt.Sprintf("%s(%s)", t.kind, t.hash) }

// ledger is the shared on-chain escrow state a fake RPC cluster would
// hold: every party's Client sees the same escrows regardless of whose
// signer built or sent the transaction.
type ledger struct {
	mu      sync.Mutex
	escrows map[string]*chain.EscrowState
}

// Client is a fake chain.Client. Failure, when set, makes the next
// SendAndConfirm call for any tx fail with that error, simulating a
// single transient RPC outage.
type Client struct {
	ledger  *ledger
	signer  string
	Failure error
}

func NewClient(signerBase58 string) *Client {
	return &Client{ledger: &ledger{escrows: make(map[string]*chain.EscrowState)}, signer: signerBase58}
}

// NewClientOnLedger returns a Client for signerBase58 that shares its
// escrow state with existing, simulating a second party's RPC handle
// onto the same cluster — the shape a maker and a taker each connecting
// to the same hashlock-escrow program actually see.
func NewClientOnLedger(signerBase58 string, existing *Client) *Client {
	return &Client{ledger: existing.ledger, signer: signerBase58}
}

func (c *Client) SignerPubkey(_ context.Context) (string, error) {
	return c.signer, nil
}

func (c *Client) BuildEscrowInitTx(_ context.Context, p chain.EscrowInitParams) (chain.Tx, error) {
	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()
	c.ledger.escrows[p.PaymentHashHex] = &chain.EscrowState{
		PaymentHashHex:  p.PaymentHashHex,
		Mint:            p.Mint,
		Amount:          p.Amount,
		Recipient:       p.Recipient,
		Refund:          p.Refund,
		RefundAfterUnix: p.RefundAfterUnix,
	}
	return &fakeTx{kind: "escrow_init", hash: p.PaymentHashHex}, nil
}

func (c *Client) BuildClaimTx(_ context.Context, p chain.ClaimParams) (chain.Tx, error) {
	return &fakeTx{kind: "claim", hash: p.PaymentHashHex}, nil
}

func (c *Client) BuildRefundTx(_ context.Context, p chain.RefundParams) (chain.Tx, error) {
	return &fakeTx{kind: "refund", hash: p.PaymentHashHex}, nil
}

func (c *Client) SendAndConfirm(_ context.Context, t chain.Tx) (string, error) {
	if c.Failure != nil {
		err := c.Failure
		c.Failure = nil
		return "", err
	}
	tx := t.(*fakeTx)

	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()
	switch tx.kind {
	case "claim":
		if st, ok := c.ledger.escrows[tx.hash]; ok {
			st.Claimed = true
		}
	case "refund":
		if st, ok := c.ledger.escrows[tx.hash]; ok {
			st.Refunded = true
		}
	}
	return fakeSignature(tx), nil
}

func (c *Client) Simulate(_ context.Context, t chain.Tx) (chain.SimResult, error) {
	return chain.SimResult{OK: true, UnitsConsumed: 1}, nil
}

func (c *Client) ReadEscrowState(_ context.Context, paymentHashHex string) (*chain.EscrowState, error) {
	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()
	st, ok := c.ledger.escrows[paymentHashHex]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func fakeSignature(t *fakeTx) string {
	h := sha256.Sum256([]byte(t.kind + ":" + t.hash))
	return hex.EncodeToString(h[:])
}

// AmountOf is a small test helper to build decimal amounts without
// importing shopspring/decimal in every test file.
func AmountOf(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

var _ chain.Client = (*Client)(nil)
