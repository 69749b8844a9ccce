// Package archive exports journal segments to object storage and restores
// them with the hash chain intact. Segments are gzip JSONL, one committed
// event per line, keyed by their seq range so lexical order is chain order.
package archive

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/b1e55ed/engine/pkg/canonicalize"
	"github.com/b1e55ed/engine/pkg/events"
	"github.com/b1e55ed/engine/pkg/journal"
)

// DefaultSegmentSize is the number of events per exported segment.
const DefaultSegmentSize = 1000

// archivedEvent is the wire form of one journal row. Seq is carried
// explicitly because the event envelope excludes it from JSON.
type archivedEvent struct {
	Seq           int64                  `json:"seq"`
	ID            string                 `json:"id"`
	Type          events.Type            `json:"type"`
	TS            time.Time              `json:"ts"`
	ObservedAt    *time.Time             `json:"observed_at,omitempty"`
	Source        string                 `json:"source,omitempty"`
	TraceID       string                 `json:"trace_id,omitempty"`
	SchemaVersion string                 `json:"schema_version"`
	DedupeKey     string                 `json:"dedupe_key,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
	PrevHash      string                 `json:"prev_hash"`
	Hash          string                 `json:"hash"`
}

func toArchived(ev *events.Event) archivedEvent {
	return archivedEvent{
		Seq: ev.Seq, ID: ev.ID, Type: ev.Type, TS: ev.TS, ObservedAt: ev.ObservedAt,
		Source: ev.Source, TraceID: ev.TraceID, SchemaVersion: ev.SchemaVersion,
		DedupeKey: ev.DedupeKey, Payload: ev.Payload, PrevHash: ev.PrevHash, Hash: ev.Hash,
	}
}

func (a archivedEvent) event() *events.Event {
	return &events.Event{
		Seq: a.Seq, ID: a.ID, Type: a.Type, TS: a.TS, ObservedAt: a.ObservedAt,
		Source: a.Source, TraceID: a.TraceID, SchemaVersion: a.SchemaVersion,
		DedupeKey: a.DedupeKey, Payload: a.Payload, PrevHash: a.PrevHash, Hash: a.Hash,
	}
}

// Archiver drives exports from a journal store into a backend.
type Archiver struct {
	store       *journal.SQLiteStore
	backend     Backend
	prefix      string
	segmentSize int
	log         *slog.Logger
}

func New(store *journal.SQLiteStore, backend Backend, prefix string, log *slog.Logger) *Archiver {
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{
		store:       store,
		backend:     backend,
		prefix:      strings.TrimSuffix(prefix, "/"),
		segmentSize: DefaultSegmentSize,
		log:         log.With("component", "archive"),
	}
}

// SetSegmentSize overrides the events-per-segment count. Mixing sizes within
// one archive prefix is not supported.
func (a *Archiver) SetSegmentSize(n int) {
	if n > 0 {
		a.segmentSize = n
	}
}

func (a *Archiver) key(firstSeq, lastSeq int64) string {
	name := fmt.Sprintf("%012d-%012d.jsonl.gz", firstSeq, lastSeq)
	if a.prefix == "" {
		return path.Join("segments", name)
	}
	return path.Join(a.prefix, "segments", name)
}

func (a *Archiver) listPrefix() string {
	if a.prefix == "" {
		return "segments/"
	}
	return a.prefix + "/segments/"
}

// lastArchivedSeq reads the highest seq covered by existing segments.
func (a *Archiver) lastArchivedSeq(ctx context.Context) (int64, error) {
	keys, err := a.backend.List(ctx, a.listPrefix())
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	last := path.Base(keys[len(keys)-1])
	var first, lastSeq int64
	if _, err := fmt.Sscanf(last, "%d-%d.jsonl.gz", &first, &lastSeq); err != nil {
		return 0, fmt.Errorf("archive: malformed segment key %q: %w", last, err)
	}
	return lastSeq, nil
}

// Export writes every full segment past the last archived seq. The dangling
// tail below one segment size stays in the journal until it fills; exports
// are therefore idempotent and append-only.
func (a *Archiver) Export(ctx context.Context) (int, error) {
	afterSeq, err := a.lastArchivedSeq(ctx)
	if err != nil {
		return 0, err
	}

	pending, err := a.store.Query(ctx, journal.Filter{AfterSeq: afterSeq})
	if err != nil {
		return 0, fmt.Errorf("archive: query pending: %w", err)
	}

	exported := 0
	for len(pending) >= a.segmentSize {
		segment := pending[:a.segmentSize]
		pending = pending[a.segmentSize:]

		data, err := encodeSegment(segment)
		if err != nil {
			return exported, err
		}
		key := a.key(segment[0].Seq, segment[len(segment)-1].Seq)
		if err := a.backend.Put(ctx, key, data); err != nil {
			return exported, err
		}
		exported++
		a.log.Info("segment exported", "key", key,
			"first_seq", segment[0].Seq, "last_seq", segment[len(segment)-1].Seq)
	}
	return exported, nil
}

func encodeSegment(segment []*events.Event) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, ev := range segment {
		if err := enc.Encode(toArchived(ev)); err != nil {
			return nil, fmt.Errorf("archive: encode event %s: %w", ev.ID, err)
		}
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("archive: close segment: %w", err)
	}
	return buf.Bytes(), nil
}

// Iter streams archived events across all segments in chain order.
func (a *Archiver) Iter(ctx context.Context, fn func(*events.Event) error) error {
	keys, err := a.backend.List(ctx, a.listPrefix())
	if err != nil {
		return err
	}
	for _, key := range keys {
		data, err := a.backend.Get(ctx, key)
		if err != nil {
			return err
		}
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("archive: open segment %s: %w", key, err)
		}
		scanner := bufio.NewScanner(gz)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var rec archivedEvent
			if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
				return fmt.Errorf("archive: decode segment %s: %w", key, err)
			}
			if err := fn(rec.event()); err != nil {
				return err
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("archive: scan segment %s: %w", key, err)
		}
	}
	return nil
}

// Verify recomputes the hash chain across every archived segment and returns
// the number of verified events.
func (a *Archiver) Verify(ctx context.Context) (int, error) {
	count := 0
	prevHash := journal.GenesisPrevHash
	err := a.Iter(ctx, func(ev *events.Event) error {
		if ev.PrevHash != prevHash {
			return fmt.Errorf("archive: event %s (seq %d) breaks the chain", ev.ID, ev.Seq)
		}
		canonical, err := canonicalize.JCS(ev.Payload)
		if err != nil {
			return fmt.Errorf("archive: canonicalize event %s: %w", ev.ID, err)
		}
		if got := events.ComputeHashRaw(ev.PrevHash, ev.Type, canonical); got != ev.Hash {
			return fmt.Errorf("archive: event %s (seq %d) hash does not recompute", ev.ID, ev.Seq)
		}
		prevHash = ev.Hash
		count++
		return nil
	})
	return count, err
}

// Restore loads every archived segment into target in chain order. The
// target journal must be empty or already hold a prefix of the archive; the
// store re-verifies each hash on insert.
func (a *Archiver) Restore(ctx context.Context, target *journal.SQLiteStore) (int, error) {
	var batch []*events.Event
	restored := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := target.Restore(ctx, batch); err != nil {
			return err
		}
		restored += len(batch)
		batch = batch[:0]
		return nil
	}

	// Skip what the target already holds so restore over a partial journal
	// resumes instead of failing the chain link.
	skip, err := targetTailSeq(ctx, target)
	if err != nil {
		return 0, err
	}

	err = a.Iter(ctx, func(ev *events.Event) error {
		if ev.Seq <= skip {
			return nil
		}
		batch = append(batch, ev)
		if len(batch) >= a.segmentSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return restored, err
	}
	if err := flush(); err != nil {
		return restored, err
	}
	return restored, nil
}

func targetTailSeq(ctx context.Context, target *journal.SQLiteStore) (int64, error) {
	evs, err := target.Query(ctx, journal.Filter{Descending: true, Limit: 1})
	if err != nil {
		return 0, fmt.Errorf("archive: read target tail: %w", err)
	}
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[0].Seq, nil
}
