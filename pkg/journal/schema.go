package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// schemaVersion is the forward-only migration counter. Bump it when adding a
// statement to migrations below; never edit an applied statement.
const schemaVersion = 1

// The events table is the only table the journal owns outright. Everything
// else is a projection or bookkeeping side table rebuildable from events;
// they live here so every backend provisions the same shape.
var sqliteDDL = []string{
	`CREATE TABLE IF NOT EXISTS events (
		seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		id             TEXT NOT NULL UNIQUE,
		type           TEXT NOT NULL,
		ts             TEXT NOT NULL,
		observed_at    TEXT,
		source         TEXT NOT NULL DEFAULT '',
		trace_id       TEXT NOT NULL DEFAULT '',
		schema_version TEXT NOT NULL DEFAULT 'v1',
		dedupe_key     TEXT,
		payload        TEXT NOT NULL,
		prev_hash      TEXT NOT NULL,
		hash           TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`,
	`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_events_source ON events(source)`,
	`CREATE TABLE IF NOT EXISTS event_dedup (
		dedupe_key   TEXT PRIMARY KEY,
		event_id     TEXT NOT NULL,
		payload_hash TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS feature_snapshots (
		cycle_id         TEXT NOT NULL,
		symbol           TEXT NOT NULL,
		ts               TEXT NOT NULL,
		features         TEXT NOT NULL,
		source_event_ids TEXT NOT NULL,
		regime           TEXT,
		version          INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (cycle_id, symbol)
	)`,
	`CREATE TABLE IF NOT EXISTS conviction_scores (
		id              TEXT PRIMARY KEY,
		cycle_id        TEXT NOT NULL,
		node_id         TEXT NOT NULL,
		symbol          TEXT NOT NULL,
		direction       TEXT NOT NULL,
		magnitude       REAL NOT NULL,
		timeframe       TEXT NOT NULL,
		ts              TEXT NOT NULL,
		commitment_hash TEXT NOT NULL,
		pcs             REAL NOT NULL,
		cts             REAL NOT NULL DEFAULT 0,
		regime          TEXT NOT NULL,
		domains_used    TEXT NOT NULL,
		confidence      REAL,
		outcome         REAL,
		outcome_ts      TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conviction_cycle ON conviction_scores(cycle_id, symbol)`,
	`CREATE TABLE IF NOT EXISTS conviction_log (
		cycle_id       TEXT NOT NULL,
		symbol         TEXT NOT NULL,
		domain_scores  TEXT NOT NULL,
		weighted_score REAL NOT NULL,
		ts             TEXT NOT NULL,
		PRIMARY KEY (cycle_id, symbol)
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		id                   TEXT PRIMARY KEY,
		platform             TEXT NOT NULL,
		asset                TEXT NOT NULL,
		direction            TEXT NOT NULL,
		entry_price          REAL NOT NULL,
		size_notional        REAL NOT NULL,
		leverage             REAL NOT NULL DEFAULT 1,
		margin_type          TEXT NOT NULL DEFAULT 'isolated',
		stop_loss            REAL,
		take_profit          REAL,
		opened_at            TEXT NOT NULL,
		closed_at            TEXT,
		status               TEXT NOT NULL DEFAULT 'open',
		realized_pnl         REAL,
		conviction_id        TEXT,
		regime_at_entry      TEXT,
		pcs_at_entry         REAL,
		cts_at_entry         REAL,
		max_drawdown_during  REAL,
		max_favorable_during REAL
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id              TEXT PRIMARY KEY,
		position_id     TEXT,
		venue           TEXT NOT NULL,
		type            TEXT NOT NULL,
		side            TEXT NOT NULL,
		symbol          TEXT NOT NULL,
		size            REAL NOT NULL,
		price           REAL,
		stop_price      REAL,
		fill_price      REAL,
		fill_size       REAL,
		status          TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at      TEXT NOT NULL,
		filled_at       TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS balances (
		venue      TEXT NOT NULL,
		asset      TEXT NOT NULL,
		total      REAL NOT NULL,
		available  REAL NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (venue, asset)
	)`,
	`CREATE TABLE IF NOT EXISTS karma_intents (
		id               TEXT PRIMARY KEY,
		trade_id         TEXT NOT NULL,
		realized_pnl_usd REAL NOT NULL,
		percentage       REAL NOT NULL,
		amount_usd       REAL NOT NULL,
		node_id          TEXT NOT NULL,
		signature        TEXT NOT NULL,
		settled          INTEGER NOT NULL DEFAULT 0,
		batch_id         TEXT,
		created_at       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS karma_settlements (
		id                 TEXT PRIMARY KEY,
		batch_id           TEXT NOT NULL,
		intent_ids         TEXT NOT NULL,
		total_usd          REAL NOT NULL,
		destination_wallet TEXT NOT NULL,
		tx_hash            TEXT,
		status             TEXT NOT NULL DEFAULT 'pending',
		signature          TEXT NOT NULL,
		created_at         TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS producer_health (
		name                 TEXT PRIMARY KEY,
		domain               TEXT NOT NULL,
		schedule             TEXT NOT NULL,
		last_run_at          TEXT,
		last_success_at      TEXT,
		last_error           TEXT,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		events_produced      INTEGER NOT NULL DEFAULT 0,
		avg_duration_ms      REAL NOT NULL DEFAULT 0,
		expected_interval_ms INTEGER NOT NULL DEFAULT 0,
		quarantined_until    TEXT,
		quarantined_reason   TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS learning_weights (
		cycle_type TEXT NOT NULL,
		domain     TEXT NOT NULL,
		weight     REAL NOT NULL,
		delta      REAL NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (cycle_type, domain)
	)`,
	`CREATE TABLE IF NOT EXISTS learning_outcomes (
		position_id      TEXT PRIMARY KEY,
		conviction_id    TEXT NOT NULL,
		symbol           TEXT NOT NULL,
		realized_pnl     REAL NOT NULL,
		direction_correct INTEGER NOT NULL,
		time_held_hours  REAL NOT NULL,
		max_drawdown_pct REAL,
		regime_at_entry  TEXT,
		domain_scores    TEXT NOT NULL,
		recorded_at      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS contributors (
		id           TEXT PRIMARY KEY,
		node_id      TEXT NOT NULL,
		role         TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS contributor_signals (
		event_id         TEXT PRIMARY KEY,
		contributor_id   TEXT NOT NULL,
		signal_asset     TEXT,
		signal_direction TEXT,
		signal_score     REAL,
		accepted         INTEGER NOT NULL DEFAULT 0,
		profitable       INTEGER,
		created_at       TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_contrib_signals ON contributor_signals(contributor_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS api_rate_limits (
		key            TEXT NOT NULL,
		window_start   INTEGER NOT NULL,
		window_seconds INTEGER NOT NULL,
		count          INTEGER NOT NULL DEFAULT 0,
		updated_at     TEXT NOT NULL,
		PRIMARY KEY (key, window_start, window_seconds)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id     INTEGER PRIMARY KEY AUTOINCREMENT,
		actor  TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		ts     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`,
}

func migrate(ctx context.Context, db *sql.DB, ddl []string) error {
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("journal: migrate: %w", err)
		}
	}
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		schemaVersion, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("journal: record migration: %w", err)
	}
	return nil
}
