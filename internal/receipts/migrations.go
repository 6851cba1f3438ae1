package receipts

import (
	"database/sql"
	"strconv"
)

// schemaVersion is the version this build expects. Migrations are
// applied in order up to this number; an on-disk version newer than
// this build's is left alone (forward compat is a read-path-only
// guarantee per §4.4, so we refuse to touch a newer schema).
const schemaVersion = 1

type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS meta (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS trades (
				trade_id               TEXT PRIMARY KEY,
				role                   TEXT NOT NULL,
				rfq_channel            TEXT NOT NULL DEFAULT '',
				swap_channel           TEXT NOT NULL DEFAULT '',
				counterparty_pubkey    TEXT NOT NULL DEFAULT '',
				local_pubkey           TEXT NOT NULL DEFAULT '',
				btc_sats               INTEGER NOT NULL DEFAULT 0,
				usdt_amount            TEXT NOT NULL DEFAULT '',
				platform_fee_bps       INTEGER NOT NULL DEFAULT 0,
				trade_fee_bps          INTEGER NOT NULL DEFAULT 0,
				trade_fee_collector    TEXT NOT NULL DEFAULT '',
				sol_refund_window_sec  INTEGER NOT NULL DEFAULT 0,
				sol_mint               TEXT NOT NULL DEFAULT '',
				sol_recipient          TEXT NOT NULL DEFAULT '',
				sol_refund             TEXT NOT NULL DEFAULT '',
				sol_escrow_pda         TEXT NOT NULL DEFAULT '',
				sol_vault_ata          TEXT NOT NULL DEFAULT '',
				sol_refund_after_unix  INTEGER NOT NULL DEFAULT 0,
				ln_invoice_bolt11      TEXT NOT NULL DEFAULT '',
				ln_payment_hash_hex    TEXT NOT NULL DEFAULT '',
				ln_preimage_hex        TEXT NOT NULL DEFAULT '',
				state                  TEXT NOT NULL,
				created_at             INTEGER NOT NULL,
				updated_at             INTEGER NOT NULL,
				last_error             TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_trades_payment_hash ON trades(ln_payment_hash_hex)`,
			`CREATE INDEX IF NOT EXISTS idx_trades_updated_at ON trades(updated_at DESC)`,
			`CREATE TABLE IF NOT EXISTS events (
				trade_id TEXT NOT NULL,
				ts       INTEGER NOT NULL,
				kind     TEXT NOT NULL,
				payload  TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_trade_ts ON events(trade_id, ts)`,
			`CREATE TABLE IF NOT EXISTS listing_locks (
				listing_key  TEXT PRIMARY KEY,
				listing_type TEXT NOT NULL DEFAULT '',
				listing_id   TEXT NOT NULL DEFAULT '',
				trade_id     TEXT NOT NULL DEFAULT '',
				state        TEXT NOT NULL,
				note         TEXT NOT NULL DEFAULT '',
				meta_json    TEXT NOT NULL DEFAULT '',
				created_at   INTEGER NOT NULL,
				updated_at   INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_listing_locks_trade_updated ON listing_locks(trade_id, updated_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_listing_locks_state_updated ON listing_locks(state, updated_at DESC)`,
		},
	},
}

// migrate applies every migration whose version is greater than the
// persisted schema_version, in order, inside one transaction per step.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}

	current := 0
	row := db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`)
	var v string
	if err := row.Scan(&v); err == nil {
		if n, convErr := strconv.Atoi(v); convErr == nil {
			current = n
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return err
			}
		}
		if _, err := tx.Exec(
			`INSERT INTO meta(key, value) VALUES('schema_version', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			strconv.Itoa(m.version),
		); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		current = m.version
	}
	return nil
}

