package sweep

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yourusername/swapcore/internal/chain"
	"github.com/yourusername/swapcore/internal/chain/solana/solanatest"
	"github.com/yourusername/swapcore/internal/models"
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

func newTestSweeper(t *testing.T, ch *solanatest.Client, store *receipts.Store) *Sweeper {
	t.Helper()
	return NewSweeper(ch, store, nil, nil, Config{IntervalMs: 1000, ToolTimeout: 5 * time.Second})
}

// TestSweepReissuesUnclaimedLnPaidTrade covers the basic S5 recovery
// scenario: a trade sitting in ln_paid with a recorded preimage gets
// its claim built and sent, and the receipt advances to claimed.
func TestSweepReissuesUnclaimedLnPaidTrade(t *testing.T) {
	store := testStore(t)
	ch := solanatest.NewClient("signer-pubkey")

	_, err := store.UpsertTrade("trade-1", models.TradePatch{
		State:             models.StatePtr(models.StateLnPaid),
		LnPaymentHashHex:  strPtr("aa"),
		LnPreimageHex:     strPtr("bb"),
		SolRecipient:      strPtr("recipient-acct"),
		TradeFeeCollector: strPtr("collector-acct"),
	})
	require.NoError(t, err)

	sw := newTestSweeper(t, ch, store)
	sw.Sweep(context.Background())

	require.Equal(t, int64(1), sw.Stats().ClaimsSwept)
	got, err := store.GetTrade("trade-1")
	require.NoError(t, err)
	require.Equal(t, models.StateClaimed, got.State)
}

// TestSweepSkipsAlreadyClaimedEscrow verifies idempotency: if the
// on-chain escrow already shows claimed (e.g. the driver claimed it
// right before crashing, before it could persist the receipt), the
// sweeper must not send a second claim transaction, only catch the
// receipt up.
func TestSweepSkipsAlreadyClaimedEscrow(t *testing.T) {
	store := testStore(t)
	ch := solanatest.NewClient("signer-pubkey")

	_, err := ch.BuildEscrowInitTx(context.Background(), chain.EscrowInitParams{
		PaymentHashHex: "aa",
		Mint:           "mint-1",
		Amount:         solanatest.AmountOf("10"),
		Recipient:      "recipient-acct",
		Refund:         "refund-acct",
	})
	require.NoError(t, err)
	claimTx, err := ch.BuildClaimTx(context.Background(), chain.ClaimParams{PaymentHashHex: "aa"})
	require.NoError(t, err)
	_, err = ch.SendAndConfirm(context.Background(), claimTx)
	require.NoError(t, err)

	_, err = store.UpsertTrade("trade-2", models.TradePatch{
		State:             models.StatePtr(models.StateLnPaid),
		LnPaymentHashHex:  strPtr("aa"),
		LnPreimageHex:     strPtr("bb"),
		SolRecipient:      strPtr("recipient-acct"),
		TradeFeeCollector: strPtr("collector-acct"),
	})
	require.NoError(t, err)

	sw := newTestSweeper(t, ch, store)
	sw.Sweep(context.Background())

	require.Equal(t, int64(0), sw.Stats().ClaimsSwept, "an already-claimed escrow must not be re-sent")
	got, err := store.GetTrade("trade-2")
	require.NoError(t, err)
	require.Equal(t, models.StateClaimed, got.State)
}

// TestSweepReissuesExpiredEscrowRefund covers the refund half: a trade
// parked in escrow past its refund window gets its refund built and
// sent, and the receipt advances to refunded.
func TestSweepReissuesExpiredEscrowRefund(t *testing.T) {
	store := testStore(t)
	ch := solanatest.NewClient("signer-pubkey")

	past := time.Now().Unix() - 10
	_, err := store.UpsertTrade("trade-3", models.TradePatch{
		State:             models.StatePtr(models.StateEscrow),
		LnPaymentHashHex:  strPtr("cc"),
		SolRefund:         strPtr("refund-acct"),
		SolRefundAfter:    int64Ptr(past),
		TradeFeeCollector: strPtr("collector-acct"),
	})
	require.NoError(t, err)

	sw := newTestSweeper(t, ch, store)
	sw.Sweep(context.Background())

	require.Equal(t, int64(1), sw.Stats().RefundsSwept)
	got, err := store.GetTrade("trade-3")
	require.NoError(t, err)
	require.Equal(t, models.StateRefunded, got.State)
}

// TestSweepDoesNotRefundAnAlreadyClaimedEscrow guards against a
// maker racing a refund against a taker's claim: if the counterparty
// claimed first, the sweeper must record the claim, never submit a
// competing refund.
func TestSweepDoesNotRefundAnAlreadyClaimedEscrow(t *testing.T) {
	store := testStore(t)
	ch := solanatest.NewClient("signer-pubkey")

	_, err := ch.BuildEscrowInitTx(context.Background(), chain.EscrowInitParams{
		PaymentHashHex: "cc",
		Mint:           "mint-1",
		Amount:         solanatest.AmountOf("10"),
		Recipient:      "recipient-acct",
		Refund:         "refund-acct",
	})
	require.NoError(t, err)
	claimTx, err := ch.BuildClaimTx(context.Background(), chain.ClaimParams{PaymentHashHex: "cc"})
	require.NoError(t, err)
	_, err = ch.SendAndConfirm(context.Background(), claimTx)
	require.NoError(t, err)

	past := time.Now().Unix() - 10
	_, err = store.UpsertTrade("trade-4", models.TradePatch{
		State:             models.StatePtr(models.StateEscrow),
		LnPaymentHashHex:  strPtr("cc"),
		SolRefund:         strPtr("refund-acct"),
		SolRefundAfter:    int64Ptr(past),
		TradeFeeCollector: strPtr("collector-acct"),
	})
	require.NoError(t, err)

	sw := newTestSweeper(t, ch, store)
	sw.Sweep(context.Background())

	require.Equal(t, int64(0), sw.Stats().RefundsSwept, "a claimed escrow must never be refunded")
	got, err := store.GetTrade("trade-4")
	require.NoError(t, err)
	require.Equal(t, models.StateClaimed, got.State)
}

func strPtr(s string) *string { return &s }
func int64Ptr(i int64) *int64 { return &i }
