// Package fakeln is a deterministic, in-memory lightning.Client for
// tests and local end-to-end scenarios. It never speaks BOLT11 bech32
// (out of scope per the settlement core's purpose) — invoices are a
// synthetic "lnfake1"+hex(payment_hash) string that Pay can parse back.
package fakeln

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/yourusername/swapcore/internal/errs"
)

const invoicePrefix = "lnfake1"

// Failure, when set on an invoice via SetFailure, makes the next Pay
// against it fail in the named way instead of succeeding.
type Failure string

const (
	FailureNone               Failure = ""
	FailureNoRoute            Failure = "no_route"
	FailureTimeout            Failure = "timeout"
	FailureInsufficientBalance Failure = "insufficient_balance"
)

type invoice struct {
	preimage       [32]byte
	paymentHashHex string
	sats           int64
	destination    string
	failure        Failure
	paid           bool
}

// Node is a fake Lightning node. Multiple Client handles can share one
// Node to simulate payer/payee peers in the same test.
type Node struct {
	mu       sync.Mutex
	byBolt11 map[string]*invoice
	nodeID   string
}

func NewNode(nodeID string) *Node {
	return &Node{byBolt11: make(map[string]*invoice), nodeID: nodeID}
}

// SetFailure arranges for the next Pay of bolt11 to fail the named way.
func (n *Node) SetFailure(bolt11 string, f Failure) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if inv, ok := n.byBolt11[bolt11]; ok {
		inv.failure = f
	}
}

// Client is a handle onto a Node implementing lightning.Client.
type Client struct {
	node *Node
}

func NewClient(node *Node) *Client { return &Client{node: node} }

func (c *Client) CreateInvoice(_ context.Context, sats int64, label, description string) (string, string, error) {
	if sats <= 0 {
		return "", "", errs.Validationf(errs.CodeSchemaInvalid, "fakeln: sats must be > 0, got %d", sats)
	}
	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return "", "", errs.Transientf(errs.CodeRPCTimeout, time.Second, err, "fakeln: generate preimage")
	}
	hash := sha256.Sum256(preimage[:])
	paymentHashHex := hex.EncodeToString(hash[:])
	bolt11 := invoicePrefix + paymentHashHex

	c.node.mu.Lock()
	c.node.byBolt11[bolt11] = &invoice{
		preimage:       preimage,
		paymentHashHex: paymentHashHex,
		sats:           sats,
		destination:    c.node.nodeID,
	}
	c.node.mu.Unlock()

	return bolt11, paymentHashHex, nil
}

func (c *Client) Pay(ctx context.Context, bolt11 string, feeLimitSat int64, timeout time.Duration) (string, int64, error) {
	c.node.mu.Lock()
	inv, ok := c.node.byBolt11[bolt11]
	var failure Failure
	if ok {
		failure = inv.failure
		inv.failure = FailureNone
	}
	c.node.mu.Unlock()
	if !ok {
		return "", 0, errs.Terminalf(errs.CodeSchemaInvalid, nil, "fakeln: unknown invoice %s", bolt11)
	}

	switch failure {
	case FailureNoRoute:
		return "", 0, errs.Transientf(errs.CodeNoRoute, 5*time.Second, nil, "fakeln: no_route to %s", inv.destination)
	case FailureTimeout:
		return "", 0, errs.Transientf(errs.CodeRPCTimeout, timeout, nil, "fakeln: payment timed out")
	case FailureInsufficientBalance:
		return "", 0, errs.Transientf(errs.CodeInsufficientFund, 30*time.Second, nil, "fakeln: insufficient balance")
	}

	select {
	case <-ctx.Done():
		return "", 0, ctx.Err()
	default:
	}

	c.node.mu.Lock()
	inv.paid = true
	c.node.mu.Unlock()

	return hex.EncodeToString(inv.preimage[:]), 0, nil
}

func (c *Client) Decode(_ context.Context, bolt11 string) (string, int64, string, error) {
	c.node.mu.Lock()
	inv, ok := c.node.byBolt11[bolt11]
	c.node.mu.Unlock()
	if !ok {
		return "", 0, "", fmt.Errorf("fakeln: unknown invoice %s", bolt11)
	}
	return inv.destination, inv.sats, inv.paymentHashHex, nil
}
