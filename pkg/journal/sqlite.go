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

	"github.com/b1e55ed/engine/pkg/canonicalize"
	"github.com/b1e55ed/engine/pkg/events"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the primary journal backend: a WAL-mode SQLite database with
// a single serialized writer.
type SQLiteStore struct {
	db *sql.DB

	// writeMu serializes appends. lastHash mirrors the chain tail for
	// observability only; the chain link is always re-read inside the write
	// transaction.
	writeMu  sync.Mutex
	busy     sync.Mutex
	lastHash string
}

// Open opens (creating if necessary) a journal database at path. Use
// ":memory:" for tests.
func Open(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	// modernc sqlite is not safe for concurrent writes on one connection pool
	// beyond SQLite's own locking; a single connection keeps the writer
	// invariant trivially true.
	db.SetMaxOpenConns(1)

	if err := migrate(context.Background(), db, sqliteDDL); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for side-table packages (execution,
// learning, scoring, rate limiting). Side tables are bookkeeping only; event
// rows are written exclusively through Append/AppendBatch.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// LastHash returns the cached chain tail. Observability only.
func (s *SQLiteStore) LastHash() string {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.lastHash
}

func (s *SQLiteStore) WriterBusy() bool {
	if s.busy.TryLock() {
		s.busy.Unlock()
		return false
	}
	return true
}

func (s *SQLiteStore) Append(ctx context.Context, draft events.Draft) (*events.Event, error) {
	evs, err := s.AppendBatch(ctx, []events.Draft{draft})
	if err != nil {
		return nil, err
	}
	return evs[0], nil
}

func (s *SQLiteStore) AppendBatch(ctx context.Context, drafts []events.Draft) ([]*events.Event, error) {
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

	// Chain tail is read inside the transaction, never from the cache.
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
	s.lastHash = prevHash
	return committed, nil
}

// appendOne inserts one draft inside tx. Returns (event, true, nil) when the
// dedupe index already held a matching entry and the prior event is returned.
func (s *SQLiteStore) appendOne(ctx context.Context, tx *sql.Tx, d events.Draft, prevHash string) (*events.Event, bool, error) {
	canonical, err := canonicalize.JCS(d.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("journal: canonicalize payload: %w", err)
	}
	payloadHash := canonicalize.HashBytes(canonical)

	if d.DedupeKey != "" {
		var existingID, existingHash string
		err := tx.QueryRowContext(ctx,
			`SELECT event_id, payload_hash FROM event_dedup WHERE dedupe_key = ?`,
			d.DedupeKey).Scan(&existingID, &existingHash)
		switch {
		case err == nil:
			if existingHash != payloadHash {
				return nil, false, fmt.Errorf("%w: key %q", ErrDedupeConflict, d.DedupeKey)
			}
			ev, err := getByIDTx(ctx, tx, existingID)
			if err != nil {
				return nil, false, err
			}
			return ev, true, nil
		case errors.Is(err, sql.ErrNoRows):
			// fall through to insert
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
		observedAt = ev.ObservedAt.UTC().Format(time.RFC3339Nano)
	}
	var dedupeKey interface{}
	if ev.DedupeKey != "" {
		dedupeKey = ev.DedupeKey
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, type, ts, observed_at, source, trace_id, schema_version, dedupe_key, payload, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.TS.UTC().Format(time.RFC3339Nano), observedAt,
		ev.Source, ev.TraceID, ev.SchemaVersion, dedupeKey, string(canonical),
		ev.PrevHash, ev.Hash)
	if err != nil {
		return nil, false, fmt.Errorf("journal: insert event: %w", err)
	}
	if ev.Seq, err = res.LastInsertId(); err != nil {
		return nil, false, fmt.Errorf("journal: seq: %w", err)
	}

	if ev.DedupeKey != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_dedup (dedupe_key, event_id, payload_hash) VALUES (?, ?, ?)`,
			ev.DedupeKey, ev.ID, payloadHash); err != nil {
			return nil, false, fmt.Errorf("journal: insert dedupe: %w", err)
		}
	}
	return ev, false, nil
}

const eventColumns = `seq, id, type, ts, observed_at, source, trace_id, schema_version, dedupe_key, payload, prev_hash, hash`

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*events.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return ev, err
}

func getByIDTx(ctx context.Context, tx *sql.Tx, id string) (*events.Event, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return ev, err
}

func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]*events.Event, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, fmt.Sprintf("type IN (%s)", strings.Join(placeholders, ",")))
	}
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	if f.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, f.AfterSeq)
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
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*events.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) IterAscending(ctx context.Context, fn func(*events.Event) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("journal: iterate: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) VerifyChain(ctx context.Context, lastN int) error {
	q := `SELECT seq, id, type, payload, prev_hash, hash FROM events ORDER BY seq ASC`
	var args []interface{}
	if lastN > 0 {
		q = `SELECT seq, id, type, payload, prev_hash, hash FROM (
			SELECT seq, id, type, payload, prev_hash, hash FROM events ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`
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
			// A partial verification window starts mid-chain; trust the
			// stored prev_hash of the first row only in that case.
			if lastN > 0 {
				expectPrev = prevHash
			}
			first = false
		}
		if prevHash != expectPrev {
			return fmt.Errorf("%w: event %s (seq %d): prev_hash mismatch", ErrChainBroken, id, seq)
		}
		recomputed := events.ComputeHashRaw(prevHash, events.Type(typ), []byte(payload))
		if recomputed != hash {
			return fmt.Errorf("%w: event %s (seq %d): hash mismatch", ErrChainBroken, id, seq)
		}
		expectPrev = hash
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(r rowScanner) (*events.Event, error) {
	var (
		ev         events.Event
		ts         string
		observedAt sql.NullString
		dedupeKey  sql.NullString
		payload    string
		typ        string
	)
	if err := r.Scan(&ev.Seq, &ev.ID, &typ, &ts, &observedAt, &ev.Source, &ev.TraceID,
		&ev.SchemaVersion, &dedupeKey, &payload, &ev.PrevHash, &ev.Hash); err != nil {
		return nil, err
	}
	ev.Type = events.Type(typ)
	ev.TS = parseTime(ts)
	if observedAt.Valid {
		t := parseTime(observedAt.String)
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

func parseTime(v string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	return time.Time{}
}
