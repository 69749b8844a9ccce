package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/b1e55ed/engine/pkg/canonicalize"
	"github.com/b1e55ed/engine/pkg/events"
)

// ErrRestoreMismatch reports an archived event whose hash does not recompute
// or does not link to the current chain tail.
var ErrRestoreMismatch = errors.New("journal: restore chain mismatch")

// Restore inserts archived events verbatim, preserving their committed
// hashes. Events must arrive in chain order and the first must link to the
// current tail (the genesis prev hash on an empty journal). Every hash is
// recomputed before insert; a mismatch aborts the whole batch.
func (s *SQLiteStore) Restore(ctx context.Context, evs []*events.Event) error {
	if len(evs) == 0 {
		return nil
	}

	s.writeMu.Lock()
	s.busy.Lock()
	defer s.busy.Unlock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prevHash := GenesisPrevHash
	err = tx.QueryRowContext(ctx, `SELECT hash FROM events ORDER BY seq DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("journal: read tail: %w", err)
	}

	for _, ev := range evs {
		if ev.PrevHash != prevHash {
			return fmt.Errorf("%w: event %s links to %q, tail is %q",
				ErrRestoreMismatch, ev.ID, ev.PrevHash, prevHash)
		}
		canonical, cerr := canonicalize.JCS(ev.Payload)
		if cerr != nil {
			return fmt.Errorf("journal: canonicalize payload: %w", cerr)
		}
		if got := events.ComputeHashRaw(ev.PrevHash, ev.Type, canonical); got != ev.Hash {
			return fmt.Errorf("%w: event %s hash does not recompute", ErrRestoreMismatch, ev.ID)
		}

		var observedAt interface{}
		if ev.ObservedAt != nil {
			observedAt = ev.ObservedAt.UTC().Format(time.RFC3339Nano)
		}
		var dedupeKey interface{}
		if ev.DedupeKey != "" {
			dedupeKey = ev.DedupeKey
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (id, type, ts, observed_at, source, trace_id, schema_version, dedupe_key, payload, prev_hash, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, string(ev.Type), ev.TS.UTC().Format(time.RFC3339Nano), observedAt,
			ev.Source, ev.TraceID, ev.SchemaVersion, dedupeKey, string(canonical),
			ev.PrevHash, ev.Hash); err != nil {
			return fmt.Errorf("journal: restore insert: %w", err)
		}
		if ev.DedupeKey != "" {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO event_dedup (dedupe_key, event_id, payload_hash) VALUES (?, ?, ?)`,
				ev.DedupeKey, ev.ID, canonicalize.HashBytes(canonical)); err != nil {
				return fmt.Errorf("journal: restore dedupe: %w", err)
			}
		}
		prevHash = ev.Hash
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: commit: %w", err)
	}
	s.lastHash = prevHash
	return nil
}
