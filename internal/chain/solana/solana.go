// Package solana implements chain.Client against a Solana-like cluster:
// it builds escrow init/claim/refund transactions for a configured
// hashlock-escrow program, submits them through rpcclient's
// failover-aware JSON-RPC client, and tracks submission idempotency in
// txstate.Store. Contract-comment density follows the teacher's
// src/chainadapter/adapter.go ChainAdapter interface.
package solana

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/yourusername/swapcore/internal/chain"
	"github.com/yourusername/swapcore/internal/chain/solana/rpcclient"
	"github.com/yourusername/swapcore/internal/chain/solana/txstate"
	"github.com/yourusername/swapcore/internal/errs"
)

// instruction opcodes for the hashlock escrow program. There is no IDL
// in this build's dependency graph, so instruction data is a one-byte
// opcode followed by the operation's fixed-width arguments, matching
// the minimal framing a purpose-built escrow program would use.
const (
	opInit   byte = 1
	opClaim  byte = 2
	opRefund byte = 3
)

// Tx wraps a built solana.Transaction so it satisfies chain.Tx without
// leaking the concrete type outside this package.
type Tx struct {
	inner *solanago.Transaction
	kind  txstate.Kind
	key   txstate.Key
}

func (t *Tx) Describe() string {
	return fmt.Sprintf("%s(payment_hash=%s)", t.kind, t.key.PaymentHashHex)
}

// Client implements chain.Client for a single configured escrow
// program and signing keypair.
//
// Contract:
//   - Every Build* method is pure: it does not touch the network.
//   - SendAndConfirm checks txStore before submitting so a retried
//     stage never double-submits a transaction that already confirmed.
type Client struct {
	rpc       *rpcclient.Client
	txStore   txstate.Store
	signer    solanago.PrivateKey
	programID solanago.PublicKey
}

// New builds a Client. signerKey is a base58-encoded Ed25519 keypair in
// solana-go's PrivateKey wire format; programID is the hashlock escrow
// program's base58 address.
func New(rpc *rpcclient.Client, txStore txstate.Store, signerKeyBase58, programIDBase58 string) (*Client, error) {
	signer, err := solanago.PrivateKeyFromBase58(signerKeyBase58)
	if err != nil {
		return nil, errs.Validationf(errs.CodeSchemaInvalid, "solana: bad signer key: %v", err)
	}
	programID, err := solanago.PublicKeyFromBase58(programIDBase58)
	if err != nil {
		return nil, errs.Validationf(errs.CodeSchemaInvalid, "solana: bad program id: %v", err)
	}
	return &Client{rpc: rpc, txStore: txStore, signer: signer, programID: programID}, nil
}

func (c *Client) SignerPubkey(_ context.Context) (string, error) {
	return c.signer.PublicKey().String(), nil
}

// BuildEscrowInitTx constructs the transaction that creates a
// hashlocked escrow holding p.Amount of p.Mint, releasable to
// p.Recipient on preimage or to p.Refund after p.RefundAfterUnix.
func (c *Client) BuildEscrowInitTx(_ context.Context, p chain.EscrowInitParams) (chain.Tx, error) {
	paymentHash, err := decodeHash32(p.PaymentHashHex)
	if err != nil {
		return nil, err
	}
	mint, err := solanago.PublicKeyFromBase58(p.Mint)
	if err != nil {
		return nil, errs.Validationf(errs.CodeSchemaInvalid, "solana: bad mint: %v", err)
	}
	recipient, err := solanago.PublicKeyFromBase58(p.Recipient)
	if err != nil {
		return nil, errs.Validationf(errs.CodeSchemaInvalid, "solana: bad recipient: %v", err)
	}
	refund, err := solanago.PublicKeyFromBase58(p.Refund)
	if err != nil {
		return nil, errs.Validationf(errs.CodeSchemaInvalid, "solana: bad refund address: %v", err)
	}
	feeCollector, err := solanago.PublicKeyFromBase58(p.TradeFeeCollector)
	if err != nil {
		return nil, errs.Validationf(errs.CodeSchemaInvalid, "solana: bad trade fee collector: %v", err)
	}

	data := encodeInitData(paymentHash, p.Amount, p.RefundAfterUnix)
	ix := solanago.NewInstruction(c.programID, solanago.AccountMetaSlice{
		solanago.NewAccountMeta(c.signer.PublicKey(), true, true),
		solanago.NewAccountMeta(mint, false, false),
		solanago.NewAccountMeta(recipient, false, false),
		solanago.NewAccountMeta(refund, false, false),
		solanago.NewAccountMeta(feeCollector, false, true),
	}, data)

	tx, err := solanago.NewTransaction([]solanago.Instruction{ix}, solanago.Hash{}, solanago.TransactionPayer(c.signer.PublicKey()))
	if err != nil {
		return nil, errs.Transientf(errs.CodeRPCTimeout, time.Second, err, "solana: build escrow init tx")
	}
	return &Tx{inner: tx, kind: txstate.KindEscrowInit, key: txstate.Key{PaymentHashHex: p.PaymentHashHex, Kind: txstate.KindEscrowInit}}, nil
}

// BuildClaimTx constructs the transaction that releases escrowed funds
// to p.RecipientTokenAcct once p.PreimageHex is revealed.
func (c *Client) BuildClaimTx(_ context.Context, p chain.ClaimParams) (chain.Tx, error) {
	paymentHash, err := decodeHash32(p.PaymentHashHex)
	if err != nil {
		return nil, err
	}
	preimage, err := decodeHash32(p.PreimageHex)
	if err != nil {
		return nil, err
	}
	recipientATA, err := solanago.PublicKeyFromBase58(p.RecipientTokenAcct)
	if err != nil {
		return nil, errs.Validationf(errs.CodeSchemaInvalid, "solana: bad recipient token account: %v", err)
	}
	feeCollector, err := solanago.PublicKeyFromBase58(p.TradeFeeCollector)
	if err != nil {
		return nil, errs.Validationf(errs.CodeSchemaInvalid, "solana: bad trade fee collector: %v", err)
	}

	data := append([]byte{opClaim}, paymentHash[:]...)
	data = append(data, preimage[:]...)
	ix := solanago.NewInstruction(c.programID, solanago.AccountMetaSlice{
		solanago.NewAccountMeta(c.signer.PublicKey(), true, true),
		solanago.NewAccountMeta(recipientATA, false, true),
		solanago.NewAccountMeta(feeCollector, false, true),
	}, data)

	tx, err := solanago.NewTransaction([]solanago.Instruction{ix}, solanago.Hash{}, solanago.TransactionPayer(c.signer.PublicKey()))
	if err != nil {
		return nil, errs.Transientf(errs.CodeRPCTimeout, time.Second, err, "solana: build claim tx")
	}
	return &Tx{inner: tx, kind: txstate.KindClaim, key: txstate.Key{PaymentHashHex: p.PaymentHashHex, Kind: txstate.KindClaim}}, nil
}

// BuildRefundTx constructs the transaction that returns escrowed funds
// to p.RefundTokenAcct once the refund window has elapsed.
func (c *Client) BuildRefundTx(_ context.Context, p chain.RefundParams) (chain.Tx, error) {
	paymentHash, err := decodeHash32(p.PaymentHashHex)
	if err != nil {
		return nil, err
	}
	refundATA, err := solanago.PublicKeyFromBase58(p.RefundTokenAcct)
	if err != nil {
		return nil, errs.Validationf(errs.CodeSchemaInvalid, "solana: bad refund token account: %v", err)
	}

	data := append([]byte{opRefund}, paymentHash[:]...)
	ix := solanago.NewInstruction(c.programID, solanago.AccountMetaSlice{
		solanago.NewAccountMeta(c.signer.PublicKey(), true, true),
		solanago.NewAccountMeta(refundATA, false, true),
	}, data)

	tx, err := solanago.NewTransaction([]solanago.Instruction{ix}, solanago.Hash{}, solanago.TransactionPayer(c.signer.PublicKey()))
	if err != nil {
		return nil, errs.Transientf(errs.CodeRPCTimeout, time.Second, err, "solana: build refund tx")
	}
	return &Tx{inner: tx, kind: txstate.KindRefund, key: txstate.Key{PaymentHashHex: p.PaymentHashHex, Kind: txstate.KindRefund}}, nil
}

// SendAndConfirm submits tx with sendTransaction and returns the
// signature the node answers with. It does not poll the cluster for
// confirmation: the txStore entry is marked confirmed as soon as the
// node accepts the submission.
//
// Contract: checks txStore first — a confirmed entry for the same key
// is returned without re-submitting, so a settlement stage retried
// after a timeout never double-spends the escrow.
func (c *Client) SendAndConfirm(ctx context.Context, t chain.Tx) (string, error) {
	solTx, ok := t.(*Tx)
	if !ok {
		return "", errs.Validationf(errs.CodeSchemaInvalid, "solana: not a solana transaction")
	}

	if existing, err := c.txStore.Get(solTx.key); err == nil && existing != nil && existing.Status == txstate.StatusConfirmed {
		return existing.Signature, nil
	}

	now := time.Now()
	_ = c.txStore.Set(solTx.key, &txstate.Entry{Key: solTx.key, Status: txstate.StatusPending, FirstSeen: now, LastRetry: now})

	raw, err := solTx.inner.MarshalBinary()
	if err != nil {
		return "", errs.Transientf(errs.CodeRPCTimeout, 2*time.Second, err, "solana: marshal tx")
	}

	var sig string
	if err := c.rpc.Call(ctx, "sendTransaction", []any{hex.EncodeToString(raw), map[string]any{"encoding": "hex"}}, &sig); err != nil {
		_ = c.txStore.Set(solTx.key, &txstate.Entry{Key: solTx.key, Status: txstate.StatusFailed, FirstSeen: now, LastRetry: time.Now(), LastError: err.Error()})
		return "", errs.Transientf(errs.CodeRPCTimeout, 3*time.Second, err, "solana: send %s", solTx.Describe())
	}

	_ = c.txStore.Set(solTx.key, &txstate.Entry{Key: solTx.key, Signature: sig, Status: txstate.StatusConfirmed, FirstSeen: now, LastRetry: time.Now()})
	return sig, nil
}

func (c *Client) Simulate(ctx context.Context, t chain.Tx) (chain.SimResult, error) {
	solTx, ok := t.(*Tx)
	if !ok {
		return chain.SimResult{}, errs.Validationf(errs.CodeSchemaInvalid, "solana: not a solana transaction")
	}
	raw, err := solTx.inner.MarshalBinary()
	if err != nil {
		return chain.SimResult{}, errs.Transientf(errs.CodeRPCTimeout, time.Second, err, "solana: marshal tx for simulation")
	}

	var out struct {
		Value struct {
			Err           any      `json:"err"`
			Logs          []string `json:"logs"`
			UnitsConsumed uint64   `json:"unitsConsumed"`
		} `json:"value"`
	}
	if err := c.rpc.Call(ctx, "simulateTransaction", []any{hex.EncodeToString(raw), map[string]any{"encoding": "hex"}}, &out); err != nil {
		return chain.SimResult{}, errs.Transientf(errs.CodeRPCTimeout, 2*time.Second, err, "solana: simulate %s", solTx.Describe())
	}
	result := chain.SimResult{OK: out.Value.Err == nil, UnitsConsumed: out.Value.UnitsConsumed, Logs: out.Value.Logs}
	if !result.OK {
		result.Err = fmt.Sprintf("%v", out.Value.Err)
	}
	return result, nil
}

func (c *Client) ReadEscrowState(ctx context.Context, paymentHashHex string) (*chain.EscrowState, error) {
	pda, err := derivePDA(c.programID, paymentHashHex)
	if err != nil {
		return nil, err
	}

	var out struct {
		Value *struct {
			Data [2]string `json:"data"`
		} `json:"value"`
	}
	if err := c.rpc.Call(ctx, "getAccountInfo", []any{pda.String(), map[string]any{"encoding": "base64"}}, &out); err != nil {
		return nil, errs.Transientf(errs.CodeRPCTimeout, 2*time.Second, err, "solana: read escrow state for %s", paymentHashHex)
	}
	if out.Value == nil {
		return nil, nil
	}
	return decodeEscrowAccount(paymentHashHex, out.Value.Data[0])
}

func decodeHash32(h string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(h)
	if err != nil || len(raw) != 32 {
		return out, errs.Validationf(errs.CodeSchemaInvalid, "solana: expected 64 hex chars, got %q", h)
	}
	copy(out[:], raw)
	return out, nil
}

func encodeInitData(paymentHash [32]byte, amount decimal.Decimal, refundAfterUnix int64) []byte {
	data := make([]byte, 0, 1+32+8+8)
	data = append(data, opInit)
	data = append(data, paymentHash[:]...)
	amountUnits := uint64(amount.Shift(0).IntPart())
	data = appendUint64LE(data, amountUnits)
	data = appendUint64LE(data, uint64(refundAfterUnix))
	return data
}

func appendUint64LE(dst []byte, v uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return append(dst, b[:]...)
}

// derivePDA computes the escrow program-derived account for a payment
// hash, the same seed scheme a real escrow program would use to make
// the PDA recoverable from payment_hash_hex alone.
func derivePDA(programID solanago.PublicKey, paymentHashHex string) (solanago.PublicKey, error) {
	hashBytes, err := hex.DecodeString(paymentHashHex)
	if err != nil || len(hashBytes) != 32 {
		return solanago.PublicKey{}, errs.Validationf(errs.CodeSchemaInvalid, "solana: expected 64 hex chars, got %q", paymentHashHex)
	}
	pda, _, err := solanago.FindProgramAddress([][]byte{[]byte("escrow"), hashBytes}, programID)
	if err != nil {
		return solanago.PublicKey{}, errs.Transientf(errs.CodeRPCTimeout, time.Second, err, "solana: derive escrow PDA")
	}
	return pda, nil
}

// decodeEscrowAccount is a placeholder decoder: without a program IDL
// in this build's dependency graph, the on-chain layout is not decoded
// beyond existence. A real deployment would decode data[0] (the base64
// account bytes) per the program's account schema.
func decodeEscrowAccount(paymentHashHex, _ string) (*chain.EscrowState, error) {
	return &chain.EscrowState{PaymentHashHex: paymentHashHex}, nil
}

var _ chain.Client = (*Client)(nil)
