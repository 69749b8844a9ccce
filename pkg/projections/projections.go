// Package projections derives in-memory materialized views by replaying the
// event journal. Projections own no persistent state: the event log is the
// source of truth, and any projection can be rebuilt from an ascending replay.
// Rebuilding the same events must produce byte-identical state.
package projections

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/b1e55ed/engine/pkg/events"
)

// Projector consumes events in journal order and exposes derived state.
type Projector interface {
	Name() string
	Handle(ev *events.Event)
	State() map[string]interface{}
}

func payloadString(ev *events.Event, key string) string {
	if v, ok := ev.Payload[key].(string); ok {
		return v
	}
	return ""
}

func symbolOf(ev *events.Event) string {
	s := payloadString(ev, "symbol")
	if s == "" {
		s = payloadString(ev, "asset")
	}
	return strings.ToUpper(s)
}

// SignalsLatest keeps the newest signal event per (symbol, type). Synthesis
// reads this view to build feature snapshots.
type SignalsLatest struct {
	latest map[string]map[events.Type]*events.Event
}

func NewSignalsLatest() *SignalsLatest {
	return &SignalsLatest{latest: make(map[string]map[events.Type]*events.Event)}
}

func (p *SignalsLatest) Name() string { return "signals_latest" }

func (p *SignalsLatest) Handle(ev *events.Event) {
	if !strings.HasPrefix(string(ev.Type), "signal.") {
		return
	}
	symbol := symbolOf(ev)
	if symbol == "" {
		return
	}
	byType, ok := p.latest[symbol]
	if !ok {
		byType = make(map[events.Type]*events.Event)
		p.latest[symbol] = byType
	}
	if prev, ok := byType[ev.Type]; ok && ev.TS.Before(prev.TS) {
		return
	}
	byType[ev.Type] = ev
}

// Latest returns the newest event of typ for symbol, or nil.
func (p *SignalsLatest) Latest(symbol string, typ events.Type) *events.Event {
	if byType, ok := p.latest[strings.ToUpper(symbol)]; ok {
		return byType[typ]
	}
	return nil
}

func (p *SignalsLatest) State() map[string]interface{} {
	out := make(map[string]interface{}, len(p.latest))
	for symbol, byType := range p.latest {
		entry := make(map[string]interface{}, len(byType))
		for typ, ev := range byType {
			entry[string(typ)] = map[string]interface{}{
				"event_id": ev.ID,
				"ts":       ev.TS.UTC().Format(time.RFC3339Nano),
				"payload":  ev.Payload,
			}
		}
		out[symbol] = entry
	}
	return out
}

// RegimeState tracks the current regime label and its history.
type RegimeState struct {
	Current *RegimeEntry
	History []*RegimeEntry
}

type RegimeEntry struct {
	Regime  string `json:"regime"`
	EventID string `json:"event_id"`
	TS      string `json:"ts"`
}

func NewRegimeState() *RegimeState { return &RegimeState{} }

func (p *RegimeState) Name() string { return "regime_state" }

func (p *RegimeState) Handle(ev *events.Event) {
	if ev.Type != events.BrainRegimeChangeV1 {
		return
	}
	regime := payloadString(ev, "regime")
	if regime == "" {
		regime = "TRANSITION"
	}
	entry := &RegimeEntry{Regime: regime, EventID: ev.ID, TS: ev.TS.UTC().Format(time.RFC3339Nano)}
	p.Current = entry
	p.History = append(p.History, entry)
}

func (p *RegimeState) State() map[string]interface{} {
	hist := make([]interface{}, len(p.History))
	for i, h := range p.History {
		hist[i] = h
	}
	out := map[string]interface{}{"history": hist}
	if p.Current != nil {
		out["current"] = p.Current
	}
	return out
}

// PositionConviction links conviction commitments to symbols and positions.
type PositionConviction struct {
	LatestBySymbol map[string]map[string]interface{}
	ByPosition     map[string]map[string]interface{}
}

func NewPositionConviction() *PositionConviction {
	return &PositionConviction{
		LatestBySymbol: make(map[string]map[string]interface{}),
		ByPosition:     make(map[string]map[string]interface{}),
	}
}

func (p *PositionConviction) Name() string { return "position_conviction" }

func (p *PositionConviction) Handle(ev *events.Event) {
	if ev.Type != events.BrainConvictionV1 {
		return
	}
	symbol := symbolOf(ev)
	if symbol == "" {
		return
	}
	row := map[string]interface{}{
		"symbol":          symbol,
		"commitment_hash": ev.Payload["commitment_hash"],
		"magnitude":       ev.Payload["magnitude"],
		"direction":       ev.Payload["direction"],
		"regime":          ev.Payload["regime"],
		"event_id":        ev.ID,
		"ts":              ev.TS.UTC().Format(time.RFC3339Nano),
	}
	p.LatestBySymbol[symbol] = row
	if pid := payloadString(ev, "position_id"); pid != "" {
		p.ByPosition[pid] = row
	}
}

func (p *PositionConviction) State() map[string]interface{} {
	latest := make(map[string]interface{}, len(p.LatestBySymbol))
	for k, v := range p.LatestBySymbol {
		latest[k] = v
	}
	byPos := make(map[string]interface{}, len(p.ByPosition))
	for k, v := range p.ByPosition {
		byPos[k] = v
	}
	return map[string]interface{}{"latest_by_symbol": latest, "by_position": byPos}
}

// PositionState tracks the position lifecycle from execution events.
type PositionState struct {
	Positions map[string]*PositionEntry
}

type PositionEntry struct {
	PositionID  string `json:"position_id"`
	Symbol      string `json:"symbol,omitempty"`
	Status      string `json:"status"`
	OpenedAt    string `json:"opened_at,omitempty"`
	ClosedAt    string `json:"closed_at,omitempty"`
	LastEventID string `json:"last_event_id"`
	LastTS      string `json:"last_ts"`
}

func NewPositionState() *PositionState {
	return &PositionState{Positions: make(map[string]*PositionEntry)}
}

func (p *PositionState) Name() string { return "position_state" }

var positionStatusByType = map[events.Type]string{
	events.ExecPositionOpenedV1: "open",
	events.ExecPositionUpdateV1: "monitoring",
	events.ExecPositionClosedV1: "closed",
}

func (p *PositionState) Handle(ev *events.Event) {
	status, relevant := positionStatusByType[ev.Type]
	if !relevant {
		return
	}
	pid := payloadString(ev, "position_id")
	if pid == "" {
		return
	}
	if s := payloadString(ev, "status"); s != "" {
		status = s
	}

	entry, ok := p.Positions[pid]
	if !ok {
		entry = &PositionEntry{PositionID: pid}
		p.Positions[pid] = entry
	}
	if symbol := symbolOf(ev); symbol != "" {
		entry.Symbol = symbol
	}
	entry.Status = status
	ts := ev.TS.UTC().Format(time.RFC3339Nano)
	if ev.Type == events.ExecPositionOpenedV1 && entry.OpenedAt == "" {
		entry.OpenedAt = ts
	}
	if ev.Type == events.ExecPositionClosedV1 {
		entry.ClosedAt = ts
	}
	entry.LastEventID = ev.ID
	entry.LastTS = ts
}

func (p *PositionState) State() map[string]interface{} {
	out := make(map[string]interface{}, len(p.Positions))
	for k, v := range p.Positions {
		out[k] = v
	}
	return map[string]interface{}{"positions": out}
}

// Outcomes tracks closed-position results for learning attribution reads.
type Outcomes struct {
	Closed map[string]map[string]interface{}
}

func NewOutcomes() *Outcomes {
	return &Outcomes{Closed: make(map[string]map[string]interface{})}
}

func (p *Outcomes) Name() string { return "outcomes" }

func (p *Outcomes) Handle(ev *events.Event) {
	if ev.Type != events.ExecPositionClosedV1 {
		return
	}
	pid := payloadString(ev, "position_id")
	symbol := symbolOf(ev)
	if pid == "" || symbol == "" {
		return
	}
	p.Closed[pid] = map[string]interface{}{
		"position_id":      pid,
		"symbol":           symbol,
		"realized_pnl":     ev.Payload["realized_pnl"],
		"realized_pnl_pct": ev.Payload["realized_pnl_pct"],
		"exit_reason":      ev.Payload["exit_reason"],
		"event_id":         ev.ID,
		"ts":               ev.TS.UTC().Format(time.RFC3339Nano),
	}
}

func (p *Outcomes) State() map[string]interface{} {
	out := make(map[string]interface{}, len(p.Closed))
	for k, v := range p.Closed {
		out[k] = v
	}
	return map[string]interface{}{"outcomes": out}
}

// Manager fans events out to the standard projector set and supports rebuild
// from replay.
type Manager struct {
	mu sync.RWMutex

	Signals     *SignalsLatest
	Regime      *RegimeState
	Conviction  *PositionConviction
	PositionLog *PositionState
	Outcome     *Outcomes
}

func NewManager() *Manager {
	m := &Manager{}
	m.reset()
	return m
}

func (m *Manager) reset() {
	m.Signals = NewSignalsLatest()
	m.Regime = NewRegimeState()
	m.Conviction = NewPositionConviction()
	m.PositionLog = NewPositionState()
	m.Outcome = NewOutcomes()
}

func (m *Manager) projectors() []Projector {
	return []Projector{m.Signals, m.Regime, m.Conviction, m.PositionLog, m.Outcome}
}

// Handle applies one event to every projector.
func (m *Manager) Handle(ev *events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.projectors() {
		p.Handle(ev)
	}
}

// Rebuild discards all state and replays evs in order.
func (m *Manager) Rebuild(evs []*events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	for _, ev := range evs {
		for _, p := range m.projectors() {
			p.Handle(ev)
		}
	}
}

// State returns the combined view keyed by projector name.
func (m *Manager) State() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]interface{})
	for _, p := range m.projectors() {
		out[p.Name()] = p.State()
	}
	return out
}

// StateJSON returns the combined state as stable JSON (sorted keys), suitable
// for determinism comparisons.
func (m *Manager) StateJSON() ([]byte, error) {
	return json.Marshal(m.State())
}
