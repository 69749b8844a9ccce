package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/b1e55ed/engine/pkg/canonicalize"
	"github.com/b1e55ed/engine/pkg/events"
)

// PostgresStore is the Postgres journal backend for multi-node read
// deployments. Append semantics are identical to SQLiteStore; the single
// logical writer invariant still holds per process.
type PostgresStore struct {
	db *sql.DB

	writeMu sync.Mutex
	busy    sync.Mutex
}

var postgresDDL = []string{
	`CREATE TABLE IF NOT EXISTS events (
		seq            BIGSERIAL PRIMARY KEY,
		id             TEXT NOT NULL UNIQUE,
		type           TEXT NOT NULL,
		ts             TIMESTAMPTZ NOT NULL,
		observed_at    TIMESTAMPTZ,
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
	`CREATE TABLE IF NOT EXISTS event_dedup (
		dedupe_key   TEXT PRIMARY KEY,
		event_id     TEXT NOT NULL,
		payload_hash TEXT NOT NULL
	)`,
}

// OpenPostgres connects to an existing Postgres database and provisions the
// event tables.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	for _, stmt := range postgresDDL {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("journal: migrate postgres: %w", err)
		}
	}
	return s, nil
}

// NewPostgresStore wraps an existing handle without migrating. Tests use this
// with sqlmock.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) WriterBusy() bool {
	if s.busy.TryLock() {
		s.busy.Unlock()
		return false
	}
	return true
}

func (s *PostgresStore) Append(ctx context.Context, draft events.Draft) (*events.Event, error) {
	evs, err := s.AppendBatch(ctx, []events.Draft{draft})
	if err != nil {
		return nil, err
	}
	return evs[0], nil
}

func (s *PostgresStore) AppendBatch(ctx context.Context, drafts []events.Draft) ([]*events.Event, error) {
	if len(drafts) == 0 {
		return nil, ErrEmptyBatch
	}
	for _, d := range drafts {
		if !events.Known(d.Type) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownType, d.Type)
		}
	}

	s.writeMu.Lock()
	s.busy.Lock()
	defer s.busy.Unlock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("journal: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prevHash := GenesisPrevHash
	err = tx.QueryRowContext(ctx, `SELECT hash FROM events ORDER BY seq DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("journal: read tail: %w", err)
	}

	committed := make([]*events.Event, 0, len(drafts))
	for _, d := range drafts {
		ev, dup, err := s.appendOne(ctx, tx, d, prevHash)
		if err != nil {
			return nil, err
		}
		if !dup {
			prevHash = ev.Hash
		}
		committed = append(committed, ev)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("journal: commit: %w", err)
	}
	return committed, nil
}

func (s *PostgresStore) appendOne(ctx context.Context, tx *sql.Tx, d events.Draft, prevHash string) (*events.Event, bool, error) {
	canonical, err := canonicalize.JCS(d.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("journal: canonicalize payload: %w", err)
	}
	payloadHash := canonicalize.HashBytes(canonical)

	if d.DedupeKey != "" {
		var existingID, existingHash string
		err := tx.QueryRowContext(ctx,
			`SELECT event_id, payload_hash FROM event_dedup WHERE dedupe_key = $1`,
			d.DedupeKey).Scan(&existingID, &existingHash)
		switch {
		case err == nil:
			if existingHash != payloadHash {
				return nil, false, fmt.Errorf("%w: key %q", ErrDedupeConflict, d.DedupeKey)
			}
			ev, err := s.getByIDTx(ctx, tx, existingID)
			if err != nil {
				return nil, false, err
			}
			return ev, true, nil
		case errors.Is(err, sql.ErrNoRows):
		default:
			return nil, false, fmt.Errorf("journal: dedupe lookup: %w", err)
		}
	}

	ev := &events.Event{
		ID:            uuid.NewString(),
		Type:          d.Type,
		TS:            d.TS,
		ObservedAt:    d.ObservedAt,
		Source:        d.Source,
		TraceID:       d.TraceID,
		SchemaVersion: d.SchemaVersion,
		DedupeKey:     d.DedupeKey,
		PrevHash:      prevHash,
		Hash:          events.ComputeHashRaw(prevHash, d.Type, canonical),
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if ev.SchemaVersion == "" {
		ev.SchemaVersion = events.DefaultSchemaVersion
	}
	if err := json.Unmarshal(canonical, &ev.Payload); err != nil {
		return nil, false, fmt.Errorf("journal: payload round-trip: %w", err)
	}

	var observedAt interface{}
	if ev.ObservedAt != nil {
		observedAt = ev.ObservedAt.UTC()
	}
	var dedupeKey interface{}
	if ev.DedupeKey != "" {
		dedupeKey = ev.DedupeKey
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO events (id, type, ts, observed_at, source, trace_id, schema_version, dedupe_key, payload, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING seq`,
		ev.ID, string(ev.Type), ev.TS.UTC(), observedAt, ev.Source, ev.TraceID,
		ev.SchemaVersion, dedupeKey, string(canonical), ev.PrevHash, ev.Hash).Scan(&ev.Seq)
	if err != nil {
		return nil, false, fmt.Errorf("journal: insert event: %w", err)
	}

	if ev.DedupeKey != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_dedup (dedupe_key, event_id, payload_hash) VALUES ($1, $2, $3)`,
			ev.DedupeKey, ev.ID, payloadHash); err != nil {
			return nil, false, fmt.Errorf("journal: insert dedupe: %w", err)
		}
	}
	return ev, false, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*events.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	ev, err := scanPGEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return ev, err
}

func (s *PostgresStore) getByIDTx(ctx context.Context, tx *sql.Tx, id string) (*events.Event, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	ev, err := scanPGEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return ev, err
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]*events.Event, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = arg(string(t))
		}
		where = append(where, fmt.Sprintf("type IN (%s)", strings.Join(placeholders, ",")))
	}
	if f.Source != "" {
		where = append(where, "source = "+arg(f.Source))
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= "+arg(f.Since.UTC()))
	}
	if !f.Until.IsZero() {
		where = append(where, "ts < "+arg(f.Until.UTC()))
	}
	if f.AfterSeq > 0 {
		where = append(where, "seq > "+arg(f.AfterSeq))
	}

	q := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Descending {
		q += " ORDER BY seq DESC"
	} else {
		q += " ORDER BY seq ASC"
	}
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*events.Event
	for rows.Next() {
		ev, err := scanPGEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IterAscending(ctx context.Context, fn func(*events.Event) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("journal: iterate: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		ev, err := scanPGEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) VerifyChain(ctx context.Context, lastN int) error {
	q := `SELECT seq, id, type, payload, prev_hash, hash FROM events ORDER BY seq ASC`
	var args []interface{}
	if lastN > 0 {
		q = `SELECT seq, id, type, payload, prev_hash, hash FROM (
			SELECT seq, id, type, payload, prev_hash, hash FROM events ORDER BY seq DESC LIMIT $1
		) tail ORDER BY seq ASC`
		args = append(args, lastN)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("journal: verify query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	first := true
	expectPrev := ""
	for rows.Next() {
		var (
			seq            int64
			id, typ        string
			payload        string
			prevHash, hash string
		)
		if err := rows.Scan(&seq, &id, &typ, &payload, &prevHash, &hash); err != nil {
			return fmt.Errorf("journal: verify scan: %w", err)
		}
		if first {
			if lastN > 0 {
				expectPrev = prevHash
			}
			first = false
		}
		if prevHash != expectPrev {
			return fmt.Errorf("%w: event %s (seq %d): prev_hash mismatch", ErrChainBroken, id, seq)
		}
		if events.ComputeHashRaw(prevHash, events.Type(typ), []byte(payload)) != hash {
			return fmt.Errorf("%w: event %s (seq %d): hash mismatch", ErrChainBroken, id, seq)
		}
		expectPrev = hash
	}
	return rows.Err()
}

// scanPGEvent scans an event row with native timestamp columns.
func scanPGEvent(r rowScanner) (*events.Event, error) {
	var (
		ev         events.Event
		ts         time.Time
		observedAt sql.NullTime
		dedupeKey  sql.NullString
		payload    string
		typ        string
	)
	if err := r.Scan(&ev.Seq, &ev.ID, &typ, &ts, &observedAt, &ev.Source, &ev.TraceID,
		&ev.SchemaVersion, &dedupeKey, &payload, &ev.PrevHash, &ev.Hash); err != nil {
		return nil, err
	}
	ev.Type = events.Type(typ)
	ev.TS = ts.UTC()
	if observedAt.Valid {
		t := observedAt.Time.UTC()
		ev.ObservedAt = &t
	}
	if dedupeKey.Valid {
		ev.DedupeKey = dedupeKey.String
	}
	if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
		return nil, fmt.Errorf("journal: decode payload for %s: %w", ev.ID, err)
	}
	return &ev, nil
}
