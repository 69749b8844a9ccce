// Package journal implements the hash-chained append-only event store that is
// the single source of truth for the engine.
//
// One logical writer per process: every append or batch runs under the store's
// writer lock and re-reads the chain tail inside the write transaction. The
// last-hash value is never cached as the basis for a chain link. Readers run
// concurrently.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/b1e55ed/engine/pkg/events"
)

var (
	// ErrDedupeConflict is returned when a dedupe key exists with a divergent
	// payload hash.
	ErrDedupeConflict = errors.New("journal: dedupe key exists with different payload")
	// ErrChainBroken is returned by chain verification on a hash mismatch.
	ErrChainBroken = errors.New("journal: hash chain integrity violation")
	// ErrEventNotFound is returned for lookups of unknown event ids.
	ErrEventNotFound = errors.New("journal: event not found")
	// ErrUnknownType is returned for appends outside the closed type set.
	ErrUnknownType = errors.New("journal: unknown event type")
	// ErrEmptyBatch is returned for a batch append with no drafts.
	ErrEmptyBatch = errors.New("journal: empty batch")
)

// GenesisPrevHash is the prev_hash of the first event in a journal. Fixed at
// creation time; the empty-string convention never changes.
const GenesisPrevHash = ""

// Filter selects events for queries. Zero values mean "no constraint".
type Filter struct {
	Types    []events.Type
	Source   string
	Since    time.Time
	Until    time.Time
	AfterSeq int64
	Limit    int
	// Descending returns newest first; replay always reads ascending.
	Descending bool
}

// Store is the journal contract shared by the SQLite and Postgres backends.
type Store interface {
	// Append commits one event. The draft's prev_hash and hash are assigned by
	// the store; producers never fabricate hashes. When the draft carries a
	// dedupe key that already exists with an identical payload hash, the
	// previously committed event is returned unchanged.
	Append(ctx context.Context, draft events.Draft) (*events.Event, error)

	// AppendBatch commits drafts atomically in list order. Either every event
	// lands or none do.
	AppendBatch(ctx context.Context, drafts []events.Draft) ([]*events.Event, error)

	// GetByID returns a single committed event.
	GetByID(ctx context.Context, id string) (*events.Event, error)

	// Query returns committed events matching the filter.
	Query(ctx context.Context, f Filter) ([]*events.Event, error)

	// IterAscending streams every committed event in insertion order. Replay
	// and projection rebuilds use this.
	IterAscending(ctx context.Context, fn func(*events.Event) error) error

	// VerifyChain recomputes the hash of every committed event (or the last N
	// when lastN > 0) in insertion order and returns ErrChainBroken on any
	// mismatch.
	VerifyChain(ctx context.Context, lastN int) error

	// WriterBusy reports whether another holder currently has the write lock.
	WriterBusy() bool

	Close() error
}
