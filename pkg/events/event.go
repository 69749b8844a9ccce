package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/b1e55ed/engine/pkg/canonicalize"
)

// Event is the immutable journal record. Once committed it is never mutated;
// PrevHash links it to the immediately preceding committed event.
type Event struct {
	// Seq is the journal insertion sequence. Assigned by the store, not part
	// of the hashed material.
	Seq           int64                  `json:"-"`
	ID            string                 `json:"id"`
	Type          Type                   `json:"type"`
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

// DefaultSchemaVersion stamps events whose appenders do not pin a version.
const DefaultSchemaVersion = "v1"

// ComputeHash returns the chain hash for an event:
//
//	SHA256(prev_hash + "|" + type + "|" + canonical_json(payload))
//
// The genesis event uses the empty string as prev_hash.
func ComputeHash(prevHash string, typ Type, payload map[string]interface{}) (string, error) {
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return "", fmt.Errorf("events: canonicalize payload: %w", err)
	}
	return ComputeHashRaw(prevHash, typ, canonical), nil
}

// ComputeHashRaw is ComputeHash over an already-canonical payload encoding.
// The journal stores the canonical bytes and verifies against them directly,
// so number formatting can never drift between append and verification.
func ComputeHashRaw(prevHash string, typ Type, canonicalPayload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte("|"))
	h.Write([]byte(typ))
	h.Write([]byte("|"))
	h.Write(canonicalPayload)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadHash returns the SHA-256 hex digest of the canonical payload.
// It is the value stored in the dedupe index.
func PayloadHash(payload map[string]interface{}) (string, error) {
	return canonicalize.CanonicalHash(payload)
}

// DedupeKey derives the content-stable dedupe key producers use for signals:
// "{event_type}:{payload_hash}".
func DedupeKey(typ Type, payload map[string]interface{}) (string, error) {
	ph, err := PayloadHash(payload)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", typ, ph), nil
}

// PeriodicDedupeKey derives a poll-interval dedupe key for periodic producers:
// "{event_type}:{producer}:{symbol}:{epoch_seconds}". Restarting a producer
// within the same epoch second cannot double-publish.
func PeriodicDedupeKey(typ Type, producer, symbol string, ts time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", typ, producer, symbol, ts.UTC().Unix())
}

// Draft is an uncommitted event as handed to the journal. The journal assigns
// ID (when empty), TS (when zero), PrevHash, and Hash.
type Draft struct {
	Type          Type
	Payload       map[string]interface{}
	ObservedAt    *time.Time
	Source        string
	TraceID       string
	SchemaVersion string
	DedupeKey     string
	TS            time.Time
}
