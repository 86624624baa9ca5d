package storage

// sqlite.go — single-file relational store for the trading core.
//
// Layout:
//   - bot_state: signed singleton row, id is always 1.
//   - market_locks: one lease row per market.
//   - snapshots: append-only, indexed by market + recv time.
//   - decisions / orders: orders carry a partial index on active statuses.
//   - ai_budget_day / ai_reservations: budget accounting, mutated only inside
//     transactions.
//   - reconcile_mismatches, event_log (payload_hash unique), arming_nonces,
//     markets, candidates.
//
// Monetary fields are integer cents; prices are integer micro-units
// (price × 1e6). SQLite runs with a single connection, so every transaction
// is serializable.

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS bot_state (
    id                INTEGER PRIMARY KEY CHECK (id = 1),
    state             TEXT    NOT NULL,
    counter           INTEGER NOT NULL,
    ts_utc            TEXT    NOT NULL,
    armed_until_utc   TEXT,
    halt_until_utc    TEXT,
    halt_resume_state TEXT    NOT NULL DEFAULT '',
    state_signature   BLOB    NOT NULL
);

CREATE TABLE IF NOT EXISTS arming_nonces (
    nonce      TEXT    PRIMARY KEY,
    step       INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    used       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS market_locks (
    market_id       TEXT    PRIMARY KEY,
    owner_instance  TEXT    NOT NULL,
    owner_worker    TEXT    NOT NULL,
    lock_version    INTEGER NOT NULL,
    owner_heartbeat INTEGER NOT NULL,
    expires_at      INTEGER NOT NULL,
    last_renewed    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
    snapshot_id              TEXT PRIMARY KEY,
    market_id                TEXT    NOT NULL,
    snapshot_at_ms           INTEGER NOT NULL,
    source                   TEXT    NOT NULL,
    ws_epoch                 INTEGER NOT NULL,
    ws_last_message_ms       INTEGER NOT NULL,
    market_last_ws_update_ms INTEGER NOT NULL,
    orderbook_last_change_ms INTEGER NOT NULL,
    best_bid_yes_micro       INTEGER NOT NULL,
    best_ask_yes_micro       INTEGER NOT NULL,
    best_bid_no_micro        INTEGER NOT NULL,
    best_ask_no_micro        INTEGER NOT NULL,
    depth_yes                TEXT    NOT NULL,
    depth_no                 TEXT    NOT NULL,
    content_hash             BLOB    NOT NULL,
    invalid_book             INTEGER NOT NULL,
    ask_sum_anomaly          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_market_at ON snapshots(market_id, snapshot_at_ms DESC);

CREATE TABLE IF NOT EXISTS decisions (
    decision_id_hex TEXT PRIMARY KEY,
    market_id       TEXT    NOT NULL,
    candidate_id    TEXT    NOT NULL,
    side            TEXT    NOT NULL,
    size_cents      INTEGER NOT NULL,
    entry_price_micro INTEGER NOT NULL,
    p_market_micro  INTEGER NOT NULL,
    p_eff_micro     INTEGER NOT NULL,
    required_edge_micro INTEGER NOT NULL,
    ev_micro        INTEGER NOT NULL,
    reason_code     TEXT    NOT NULL,
    snapshot_hash   BLOB    NOT NULL,
    client_order_id TEXT    NOT NULL,
    created_at_ms   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
    order_id            TEXT PRIMARY KEY,
    decision_id_hex     TEXT    NOT NULL,
    market_id           TEXT    NOT NULL,
    side                TEXT    NOT NULL,
    status              TEXT    NOT NULL,
    client_order_id     TEXT    NOT NULL,
    exchange_order_id   TEXT    NOT NULL DEFAULT '',
    price_micro         INTEGER NOT NULL,
    size_cents          INTEGER NOT NULL,
    filled_cents        INTEGER NOT NULL DEFAULT 0,
    residual_cents      INTEGER NOT NULL DEFAULT 0,
    pending_unknown_since_ms INTEGER,
    live_submitted      INTEGER NOT NULL DEFAULT 0,
    created_at_ms       INTEGER NOT NULL,
    updated_at_ms       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_active ON orders(status)
    WHERE status NOT IN ('FILLED', 'CANCELLED', 'REJECTED');
CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_live_submit ON orders(decision_id_hex)
    WHERE live_submitted = 1;

CREATE TABLE IF NOT EXISTS reconcile_mismatches (
    mismatch_id   TEXT PRIMARY KEY,
    market_id     TEXT    NOT NULL DEFAULT '',
    level         INTEGER NOT NULL,
    status        TEXT    NOT NULL,
    first_seen_ms INTEGER NOT NULL,
    last_seen_ms  INTEGER NOT NULL,
    delta_cents   INTEGER NOT NULL,
    details       TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_mismatch_active ON reconcile_mismatches(status, level);

CREATE TABLE IF NOT EXISTS ai_budget_day (
    day            TEXT PRIMARY KEY,
    spent_cents    INTEGER NOT NULL DEFAULT 0,
    in_flight_cents INTEGER NOT NULL DEFAULT 0,
    analyses       INTEGER NOT NULL DEFAULT 0,
    force_settles  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ai_reservations (
    reservation_id TEXT PRIMARY KEY,
    day            TEXT    NOT NULL,
    ts_utc_ms      INTEGER NOT NULL,
    model_key      TEXT    NOT NULL,
    reserved_cents INTEGER NOT NULL,
    actual_cents   INTEGER,
    status         TEXT    NOT NULL,
    correlation_id TEXT    NOT NULL,
    expires_at_ms  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_window ON ai_reservations(ts_utc_ms, status);
CREATE INDEX IF NOT EXISTS idx_reservations_day_corr ON ai_reservations(day, correlation_id);

CREATE TABLE IF NOT EXISTS event_log (
    event_id       TEXT PRIMARY KEY,
    ts_utc_ms      INTEGER NOT NULL,
    type           TEXT    NOT NULL,
    correlation_id TEXT    NOT NULL,
    payload        TEXT    NOT NULL,
    payload_hash   BLOB    NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS markets (
    condition_id TEXT PRIMARY KEY,
    question     TEXT NOT NULL DEFAULT '',
    category     TEXT NOT NULL DEFAULT '',
    end_date_ms  INTEGER NOT NULL DEFAULT 0,
    active       INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS candidates (
    candidate_id  TEXT PRIMARY KEY,
    market_id     TEXT    NOT NULL,
    snapshot_id   TEXT    NOT NULL,
    status        TEXT    NOT NULL,
    state_version INTEGER NOT NULL,
    created_at_ms INTEGER NOT NULL
);
`

// SQLiteStore implements ports.Store on a single SQLite file (pure Go, no
// CGo). One connection keeps every transaction serializable.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// DBTime returns the database UTC clock, the anchor for budget timestamps
// and the clock-drift probe.
func (s *SQLiteStore) DBTime(ctx context.Context) (time.Time, error) {
	var ts string
	err := s.db.QueryRowContext(ctx, `SELECT strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage.DBTime: %w", err)
	}
	t, err := time.Parse("2006-01-02T15:04:05.000Z", ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage.DBTime: parse %q: %w", ts, err)
	}
	return t.UTC(), nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- fixed-point helpers ---

func toMicro(price float64) int64 {
	return int64(math.Round(price * 1e6))
}

func fromMicro(micro int64) float64 {
	return float64(micro) / 1e6
}

func toMs(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMs(*t)
}
