package receipts

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yourusername/swapcore/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "receipts.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// R1: upsertTrade(id,{state:'ln_paid',...}); upsertTrade(id,{}) leaves
// state/preimage unchanged; created_at preserved.
func TestUpsertTradePreservesUnsetFieldsAndCreatedAt(t *testing.T) {
	st := openTestStore(t)

	row, err := st.UpsertTrade("trade-1", models.TradePatch{
		Role:             models.RolePtr(models.RoleMaker),
		State:            models.StatePtr(models.StateLnPaid),
		LnPaymentHashHex: models.StringPtr("AA" + "00"),
		LnPreimageHex:    models.StringPtr("bb11"),
	})
	require.NoError(t, err)
	require.Equal(t, models.StateLnPaid, row.State)
	require.Equal(t, "aa00", row.LnPaymentHashHex) // normalized to lowercase
	createdAt := row.CreatedAt

	row2, err := st.UpsertTrade("trade-1", models.TradePatch{})
	require.NoError(t, err)
	require.Equal(t, models.StateLnPaid, row2.State)
	require.Equal(t, "bb11", row2.LnPreimageHex)
	require.True(t, createdAt.Equal(row2.CreatedAt), "created_at must survive a no-op patch")
	require.True(t, row2.UpdatedAt.After(createdAt) || row2.UpdatedAt.Equal(createdAt))
}

func TestUpsertTradeExplicitClearOverwrites(t *testing.T) {
	st := openTestStore(t)

	_, err := st.UpsertTrade("trade-2", models.TradePatch{
		LastError: models.StringPtr("boom"),
	})
	require.NoError(t, err)

	row, err := st.UpsertTrade("trade-2", models.TradePatch{
		LastError: models.StringPtr(""),
	})
	require.NoError(t, err)
	require.Equal(t, "", row.LastError)
}

func TestGetTradeByPaymentHashNormalizesCase(t *testing.T) {
	st := openTestStore(t)

	_, err := st.UpsertTrade("trade-3", models.TradePatch{
		LnPaymentHashHex: models.StringPtr("DEADBEEF"),
	})
	require.NoError(t, err)

	row, err := st.GetTradeByPaymentHash("deadbeef")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, "trade-3", row.TradeID)
}

func TestGetTradeMissingReturnsNil(t *testing.T) {
	st := openTestStore(t)
	row, err := st.GetTrade("nope")
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestListOpenClaimsFiltersByStateAndPreimage(t *testing.T) {
	st := openTestStore(t)

	_, err := st.UpsertTrade("claimable", models.TradePatch{
		State:         models.StatePtr(models.StateLnPaid),
		LnPreimageHex: models.StringPtr("cafebabe"),
	})
	require.NoError(t, err)
	_, err = st.UpsertTrade("not-yet-paid", models.TradePatch{
		State: models.StatePtr(models.StateEscrow),
	})
	require.NoError(t, err)

	rows, err := st.ListOpenClaims(10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "claimable", rows[0].TradeID)
}

func TestListOpenRefundsFiltersByWindow(t *testing.T) {
	st := openTestStore(t)

	_, err := st.UpsertTrade("refundable", models.TradePatch{
		State:          models.StatePtr(models.StateEscrow),
		SolRefundAfter: models.Int64Ptr(100),
	})
	require.NoError(t, err)
	_, err = st.UpsertTrade("not-yet-refundable", models.TradePatch{
		State:          models.StatePtr(models.StateEscrow),
		SolRefundAfter: models.Int64Ptr(9999999999),
	})
	require.NoError(t, err)

	rows, err := st.ListOpenRefunds(5000, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "refundable", rows[0].TradeID)
}

func TestAppendAndListEvents(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.AppendEvent("trade-9", "rfq_sent", `{"ok":true}`))
	require.NoError(t, st.AppendEvent("trade-9", "quote_received", `{"ok":true}`))

	events, err := st.ListEvents("trade-9")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "rfq_sent", events[0].Kind)
	require.Equal(t, "quote_received", events[1].Kind)
}

// I5: a listing lock's created_at never changes, and its state
// transitions are visible to later reads (at-most-one-in-flight is
// enforced by the caller reading state before re-locking).
func TestUpsertListingLockCreatedAtImmutable(t *testing.T) {
	st := openTestStore(t)

	lock, err := st.UpsertListingLock("listing-1", models.ListingLockPatch{
		State:   models.ListingStatePtr(models.ListingInFlight),
		TradeID: models.StringPtr("trade-1"),
	})
	require.NoError(t, err)
	createdAt := lock.CreatedAt

	lock2, err := st.UpsertListingLock("listing-1", models.ListingLockPatch{
		State: models.ListingStatePtr(models.ListingFilled),
	})
	require.NoError(t, err)
	require.Equal(t, models.ListingFilled, lock2.State)
	require.True(t, createdAt.Equal(lock2.CreatedAt))

	got, err := st.GetListingLock("listing-1")
	require.NoError(t, err)
	require.Equal(t, models.ListingFilled, got.State)
}

func TestListListingLocksByTrade(t *testing.T) {
	st := openTestStore(t)

	_, err := st.UpsertListingLock("listing-a", models.ListingLockPatch{TradeID: models.StringPtr("trade-7")})
	require.NoError(t, err)
	_, err = st.UpsertListingLock("listing-b", models.ListingLockPatch{TradeID: models.StringPtr("trade-7")})
	require.NoError(t, err)
	_, err = st.UpsertListingLock("listing-c", models.ListingLockPatch{TradeID: models.StringPtr("trade-8")})
	require.NoError(t, err)

	locks, err := st.ListListingLocksByTrade("trade-7")
	require.NoError(t, err)
	require.Len(t, locks, 2)
}

func TestDeleteListingLock(t *testing.T) {
	st := openTestStore(t)

	_, err := st.UpsertListingLock("listing-z", models.ListingLockPatch{})
	require.NoError(t, err)
	require.NoError(t, st.DeleteListingLock("listing-z"))

	got, err := st.GetListingLock("listing-z")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestListTradesPagedOrdersByUpdatedAtDesc(t *testing.T) {
	st := openTestStore(t)

	_, err := st.UpsertTrade("first", models.TradePatch{})
	require.NoError(t, err)
	_, err = st.UpsertTrade("second", models.TradePatch{})
	require.NoError(t, err)

	rows, err := st.ListTradesPaged(10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.False(t, rows[0].UpdatedAt.Before(rows[1].UpdatedAt), "rows must be ordered by updated_at descending")
}
