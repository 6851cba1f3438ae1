// Package receipts implements the durable trade-receipts and
// listing-lock store (C4): a single-writer SQLite file per peer with
// WAL journaling, schema migrations, and an append-only events log.
package receipts

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yourusername/swapcore/internal/errs"
	"github.com/yourusername/swapcore/internal/models"
)

// Store is a durable, single-writer key-value store over two tables
// (trades, listing_locks) and an append-only events log, per §4.4.
// Writes are serialized by writeMu, and the pool holds a single
// connection, so reads wait for any in-flight statement to finish.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens (creating if absent) the SQLite file at path, applies
// pragmas (WAL journaling, synchronous=NORMAL per §6 "Persisted state
// layout"), and runs pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Durablef(errs.CodeStoreWrite, err, "receipts: open %s", path)
	}
	db.SetMaxOpenConns(1) // one connection: pairs with our own write mutex and avoids SQLITE_BUSY.

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, errs.Durablef(errs.CodeStoreWrite, err, "receipts: set WAL mode")
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL`); err != nil {
		return nil, errs.Durablef(errs.CodeStoreWrite, err, "receipts: set synchronous=NORMAL")
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, errs.Durablef(errs.CodeStoreWrite, err, "receipts: enable foreign keys")
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, errs.Durablef(errs.CodeStoreWrite, err, "receipts: migrate")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nowUnixMilli() int64 { return time.Now().UnixMilli() }

// UpsertTrade merges patch into the existing row for tradeID (creating
// it if absent) and returns the resulting row. created_at is set once,
// on first insert, and never changes thereafter (R1).
func (s *Store) UpsertTrade(tradeID string, patch models.TradePatch) (*models.TradeReceipt, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errs.Durablef(errs.CodeStoreWrite, err, "receipts: begin upsert trade")
	}
	defer tx.Rollback()

	row, err := getTradeTx(tx, tradeID)
	if err != nil {
		return nil, err
	}

	now := time.UnixMilli(nowUnixMilli())
	if row == nil {
		row = &models.TradeReceipt{
			TradeID:   tradeID,
			State:     models.StateInit,
			CreatedAt: now,
		}
	}
	patch.Apply(row)
	row.LnPaymentHashHex = normalizeHex(row.LnPaymentHashHex)
	row.LnPreimageHex = normalizeHex(row.LnPreimageHex)
	row.UpdatedAt = now

	if _, err := tx.Exec(`
		INSERT INTO trades (
			trade_id, role, rfq_channel, swap_channel, counterparty_pubkey, local_pubkey,
			btc_sats, usdt_amount, platform_fee_bps, trade_fee_bps, trade_fee_collector,
			sol_refund_window_sec, sol_mint, sol_recipient, sol_refund, sol_escrow_pda,
			sol_vault_ata, sol_refund_after_unix, ln_invoice_bolt11, ln_payment_hash_hex,
			ln_preimage_hex, state, created_at, updated_at, last_error
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(trade_id) DO UPDATE SET
			role=excluded.role, rfq_channel=excluded.rfq_channel, swap_channel=excluded.swap_channel,
			counterparty_pubkey=excluded.counterparty_pubkey, local_pubkey=excluded.local_pubkey,
			btc_sats=excluded.btc_sats, usdt_amount=excluded.usdt_amount,
			platform_fee_bps=excluded.platform_fee_bps, trade_fee_bps=excluded.trade_fee_bps,
			trade_fee_collector=excluded.trade_fee_collector,
			sol_refund_window_sec=excluded.sol_refund_window_sec, sol_mint=excluded.sol_mint,
			sol_recipient=excluded.sol_recipient, sol_refund=excluded.sol_refund,
			sol_escrow_pda=excluded.sol_escrow_pda, sol_vault_ata=excluded.sol_vault_ata,
			sol_refund_after_unix=excluded.sol_refund_after_unix,
			ln_invoice_bolt11=excluded.ln_invoice_bolt11, ln_payment_hash_hex=excluded.ln_payment_hash_hex,
			ln_preimage_hex=excluded.ln_preimage_hex, state=excluded.state,
			updated_at=excluded.updated_at, last_error=excluded.last_error
	`,
		row.TradeID, string(row.Role), row.RFQChannel, row.SwapChannel, row.CounterpartyPubkey, row.LocalPubkey,
		row.BTCSats, row.USDTAmount, row.PlatformFeeBps, row.TradeFeeBps, row.TradeFeeCollector,
		row.SolRefundWindowSec, row.SolMint, row.SolRecipient, row.SolRefund, row.SolEscrowPDA,
		row.SolVaultATA, row.SolRefundAfter, row.LnInvoiceBolt11, row.LnPaymentHashHex,
		row.LnPreimageHex, string(row.State), row.CreatedAt.UnixMilli(), row.UpdatedAt.UnixMilli(), row.LastError,
	); err != nil {
		return nil, errs.Durablef(errs.CodeStoreWrite, err, "receipts: upsert trade %s", tradeID)
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Durablef(errs.CodeStoreWrite, err, "receipts: commit upsert trade %s", tradeID)
	}
	return row, nil
}

func normalizeHex(h string) string {
	out := make([]byte, len(h))
	for i := 0; i < len(h); i++ {
		c := h[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func (s *Store) GetTrade(tradeID string) (*models.TradeReceipt, error) {
	return getTradeTx(s.db, tradeID)
}

func (s *Store) GetTradeByPaymentHash(hex string) (*models.TradeReceipt, error) {
	row := s.db.QueryRow(`SELECT `+tradeColumns+` FROM trades WHERE ln_payment_hash_hex = ?`, normalizeHex(hex))
	r, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receipts: get trade by payment hash: %w", err)
	}
	return r, nil
}

func (s *Store) ListTradesPaged(limit, offset int) ([]*models.TradeReceipt, error) {
	rows, err := s.db.Query(`SELECT `+tradeColumns+` FROM trades ORDER BY updated_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("receipts: list trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ListOpenClaims returns trades in ln_paid with a non-null preimage.
func (s *Store) ListOpenClaims(limit, offset int) ([]*models.TradeReceipt, error) {
	rows, err := s.db.Query(
		`SELECT `+tradeColumns+` FROM trades
		 WHERE state = ? AND ln_preimage_hex <> ''
		 ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		string(models.StateLnPaid), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("receipts: list open claims: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ListOpenRefunds returns trades in escrow whose refund window has
// passed as of nowUnix.
func (s *Store) ListOpenRefunds(nowUnix int64, limit, offset int) ([]*models.TradeReceipt, error) {
	rows, err := s.db.Query(
		`SELECT `+tradeColumns+` FROM trades
		 WHERE state = ? AND sol_refund_after_unix <= ?
		 ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		string(models.StateEscrow), nowUnix, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("receipts: list open refunds: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *Store) AppendEvent(tradeID, kind, payload string, ts ...int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	eventTS := nowUnixMilli()
	if len(ts) > 0 {
		eventTS = ts[0]
	}
	if _, err := s.db.Exec(
		`INSERT INTO events (trade_id, ts, kind, payload) VALUES (?,?,?,?)`,
		tradeID, eventTS, kind, payload,
	); err != nil {
		return errs.Durablef(errs.CodeStoreWrite, err, "receipts: append event for %s", tradeID)
	}
	return nil
}

func (s *Store) ListEvents(tradeID string) ([]models.TradeEvent, error) {
	rows, err := s.db.Query(`SELECT trade_id, ts, kind, payload FROM events WHERE trade_id = ? ORDER BY ts ASC`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("receipts: list events: %w", err)
	}
	defer rows.Close()

	var out []models.TradeEvent
	for rows.Next() {
		var ev models.TradeEvent
		if err := rows.Scan(&ev.TradeID, &ev.TS, &ev.Kind, &ev.Payload); err != nil {
			return nil, fmt.Errorf("receipts: scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

const tradeColumns = `
	trade_id, role, rfq_channel, swap_channel, counterparty_pubkey, local_pubkey,
	btc_sats, usdt_amount, platform_fee_bps, trade_fee_bps, trade_fee_collector,
	sol_refund_window_sec, sol_mint, sol_recipient, sol_refund, sol_escrow_pda,
	sol_vault_ata, sol_refund_after_unix, ln_invoice_bolt11, ln_payment_hash_hex,
	ln_preimage_hex, state, created_at, updated_at, last_error
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*models.TradeReceipt, error) {
	var r models.TradeReceipt
	var role, state string
	var createdAt, updatedAt int64
	err := row.Scan(
		&r.TradeID, &role, &r.RFQChannel, &r.SwapChannel, &r.CounterpartyPubkey, &r.LocalPubkey,
		&r.BTCSats, &r.USDTAmount, &r.PlatformFeeBps, &r.TradeFeeBps, &r.TradeFeeCollector,
		&r.SolRefundWindowSec, &r.SolMint, &r.SolRecipient, &r.SolRefund, &r.SolEscrowPDA,
		&r.SolVaultATA, &r.SolRefundAfter, &r.LnInvoiceBolt11, &r.LnPaymentHashHex,
		&r.LnPreimageHex, &state, &createdAt, &updatedAt, &r.LastError,
	)
	if err != nil {
		return nil, err
	}
	r.Role = models.Role(role)
	r.State = models.TradeState(state)
	r.CreatedAt = time.UnixMilli(createdAt)
	r.UpdatedAt = time.UnixMilli(updatedAt)
	return &r, nil
}

func scanTrades(rows *sql.Rows) ([]*models.TradeReceipt, error) {
	var out []*models.TradeReceipt
	for rows.Next() {
		r, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("receipts: scan trade: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func getTradeTx(q queryRower, tradeID string) (*models.TradeReceipt, error) {
	row := q.QueryRow(`SELECT `+tradeColumns+` FROM trades WHERE trade_id = ?`, tradeID)
	r, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receipts: get trade: %w", err)
	}
	return r, nil
}

const listingLockColumns = `
	listing_key, listing_type, listing_id, trade_id, state, note, meta_json, created_at, updated_at
`

// UpsertListingLock merges patch into the lock row for listingKey
// (creating it if absent). created_at is immutable: it is set only on
// first insert, matching §4.4's "never changes on update" and I5's
// at-most-one-in-flight invariant, which the caller enforces by reading
// the current state before transitioning it to in_flight.
func (s *Store) UpsertListingLock(listingKey string, patch models.ListingLockPatch) (*models.ListingLock, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errs.Durablef(errs.CodeStoreWrite, err, "receipts: begin upsert listing lock")
	}
	defer tx.Rollback()

	lock, err := getListingLockTx(tx, listingKey)
	if err != nil {
		return nil, err
	}

	now := time.UnixMilli(nowUnixMilli())
	if lock == nil {
		lock = &models.ListingLock{
			ListingKey: listingKey,
			State:      models.ListingInFlight,
			CreatedAt:  now,
		}
	}
	patch.Apply(lock)
	lock.UpdatedAt = now

	if _, err := tx.Exec(`
		INSERT INTO listing_locks (listing_key, listing_type, listing_id, trade_id, state, note, meta_json, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(listing_key) DO UPDATE SET
			listing_type=excluded.listing_type, listing_id=excluded.listing_id,
			trade_id=excluded.trade_id, state=excluded.state, note=excluded.note,
			meta_json=excluded.meta_json, updated_at=excluded.updated_at
	`,
		lock.ListingKey, lock.ListingType, lock.ListingID, lock.TradeID, string(lock.State),
		lock.Note, lock.MetaJSON, lock.CreatedAt.UnixMilli(), lock.UpdatedAt.UnixMilli(),
	); err != nil {
		return nil, errs.Durablef(errs.CodeStoreWrite, err, "receipts: upsert listing lock %s", listingKey)
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Durablef(errs.CodeStoreWrite, err, "receipts: commit upsert listing lock %s", listingKey)
	}
	return lock, nil
}

func (s *Store) GetListingLock(listingKey string) (*models.ListingLock, error) {
	return getListingLockTx(s.db, listingKey)
}

func (s *Store) ListListingLocksByTrade(tradeID string) ([]*models.ListingLock, error) {
	rows, err := s.db.Query(`SELECT `+listingLockColumns+` FROM listing_locks WHERE trade_id = ? ORDER BY updated_at DESC`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("receipts: list listing locks by trade: %w", err)
	}
	defer rows.Close()

	var out []*models.ListingLock
	for rows.Next() {
		l, err := scanListingLock(rows)
		if err != nil {
			return nil, fmt.Errorf("receipts: scan listing lock: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) DeleteListingLock(listingKey string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM listing_locks WHERE listing_key = ?`, listingKey); err != nil {
		return errs.Durablef(errs.CodeStoreWrite, err, "receipts: delete listing lock %s", listingKey)
	}
	return nil
}

func getListingLockTx(q queryRower, listingKey string) (*models.ListingLock, error) {
	row := q.QueryRow(`SELECT `+listingLockColumns+` FROM listing_locks WHERE listing_key = ?`, listingKey)
	l, err := scanListingLock(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receipts: get listing lock: %w", err)
	}
	return l, nil
}

func scanListingLock(row rowScanner) (*models.ListingLock, error) {
	var l models.ListingLock
	var state string
	var createdAt, updatedAt int64
	err := row.Scan(
		&l.ListingKey, &l.ListingType, &l.ListingID, &l.TradeID, &state, &l.Note, &l.MetaJSON,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.State = models.ListingLockState(state)
	l.CreatedAt = time.UnixMilli(createdAt)
	l.UpdatedAt = time.UnixMilli(updatedAt)
	return &l, nil
}
