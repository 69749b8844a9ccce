package brain

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/b1e55ed/engine/pkg/config"
	"github.com/b1e55ed/engine/pkg/events"
	"github.com/b1e55ed/engine/pkg/execution"
	"github.com/b1e55ed/engine/pkg/journal"
	"github.com/b1e55ed/engine/pkg/projections"
)

// regimeSymbol anchors regime detection; the whole market is read through it.
const regimeSymbol = "BTC"

// CycleResult summarizes one brain cycle.
type CycleResult struct {
	CycleID     string
	Regime      Regime
	KillLevel   KillLevel
	Quality     float64
	Convictions []*Conviction
	Submitted   int
	Blocked     int
}

// Orchestrator runs the decision cycle: refresh projections, grade data
// quality, synthesize, detect regime, score conviction, decide, execute.
type Orchestrator struct {
	store    journal.Store
	db       *sql.DB
	cfg      *config.Config
	proj     *projections.Manager
	kill     *KillSwitch
	detector *RegimeDetector
	oms      *execution.OMS
	tracker  *execution.PnLTracker
	nodeID   string
	log      *slog.Logger

	lastSeq int64
	weights map[config.Domain]float64
}

func NewOrchestrator(store journal.Store, db *sql.DB, cfg *config.Config, proj *projections.Manager,
	kill *KillSwitch, oms *execution.OMS, tracker *execution.PnLTracker, nodeID string, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		db:       db,
		cfg:      cfg,
		proj:     proj,
		kill:     kill,
		detector: NewRegimeDetector(""),
		oms:      oms,
		tracker:  tracker,
		nodeID:   nodeID,
		log:      log,
		weights:  cfg.Weights.Map(),
	}
}

// SetWeights swaps in learned weights between cycles.
func (o *Orchestrator) SetWeights(w map[config.Domain]float64) {
	o.weights = w
}

// refresh feeds new journal events into the projections.
func (o *Orchestrator) refresh(ctx context.Context) error {
	evs, err := o.store.Query(ctx, journal.Filter{AfterSeq: o.lastSeq})
	if err != nil {
		return fmt.Errorf("brain: refresh projections: %w", err)
	}
	for _, ev := range evs {
		o.proj.Handle(ev)
		if ev.Seq > o.lastSeq {
			o.lastSeq = ev.Seq
		}
	}
	return nil
}

// latestPerDomain finds the newest event timestamp in each domain for the
// anchor symbol.
func (o *Orchestrator) latestPerDomain(symbol string) map[config.Domain]*time.Time {
	out := make(map[config.Domain]*time.Time, len(config.Domains))
	for _, d := range config.Domains {
		var newest *time.Time
		for _, typ := range DomainTypes[d] {
			ev := o.proj.Signals.Latest(symbol, typ)
			if ev == nil {
				continue
			}
			ts := ev.TS
			if newest == nil || ts.After(*newest) {
				newest = &ts
			}
		}
		out[d] = newest
	}
	return out
}

// RunCycle executes one full decision cycle.
func (o *Orchestrator) RunCycle(ctx context.Context, now time.Time) (*CycleResult, error) {
	cycleID := uuid.NewString()
	res := &CycleResult{CycleID: cycleID}

	if err := o.refresh(ctx); err != nil {
		return nil, err
	}

	report := AssessQuality(now, o.latestPerDomain(regimeSymbol))
	adjusted := report.AdjustedWeights(o.weights)
	res.Quality = report.OverallQuality

	snaps := make(map[string]*Snapshot, len(o.cfg.Universe.Symbols))
	for _, symbol := range o.cfg.Universe.Symbols {
		snap := Synthesize(cycleID, symbol, now, o.proj.Signals, adjusted)
		snaps[symbol] = snap
		if err := o.recordSnapshot(ctx, snap); err != nil {
			return nil, err
		}
	}

	regime, changed := o.detector.Observe(IndicatorsFromSnapshot(snaps[regimeSymbol]))
	res.Regime = regime
	if changed {
		if _, err := o.store.Append(ctx, events.Draft{
			Type: events.BrainRegimeChangeV1,
			Payload: map[string]interface{}{
				"regime":   string(regime),
				"cycle_id": cycleID,
			},
			Source:  "brain",
			TraceID: cycleID,
		}); err != nil {
			return nil, fmt.Errorf("brain: journal regime change: %w", err)
		}
		o.log.Info("regime change", "regime", regime)
	}

	acct, err := o.tracker.Snapshot(ctx, now)
	if err != nil {
		return nil, err
	}
	level, err := o.kill.Evaluate(ctx, KillInputs{
		DailyLossPct:     acct.DailyLossPct(),
		PortfolioHeatPct: acct.HeatPct(),
		CrisisVotes:      CrisisVotes(IndicatorsFromSnapshot(snaps[regimeSymbol])),
		DrawdownPct:      acct.DrawdownPct(),
	})
	if err != nil {
		return nil, err
	}
	res.KillLevel = level

	for _, symbol := range o.cfg.Universe.Symbols {
		conv, err := Score(cycleID, o.nodeID, snaps[symbol], regime)
		if err != nil {
			return nil, err
		}
		res.Convictions = append(res.Convictions, conv)

		convictionID, err := o.recordConviction(ctx, conv, cycleID)
		if err != nil {
			return nil, err
		}

		decision := Decide(conv, level, o.cfg.Risk)
		if decision.Blocked {
			res.Blocked++
			continue
		}
		if decision.RequiresApproval {
			if err := o.queueForApproval(ctx, decision, convictionID, cycleID); err != nil {
				return nil, err
			}
			continue
		}

		sub, err := o.oms.Submit(ctx, decision.Intent, convictionID, cycleID)
		if err != nil {
			return nil, err
		}
		if sub.Approved {
			res.Submitted++
		} else {
			res.Blocked++
		}
	}

	if _, err := o.store.Append(ctx, events.Draft{
		Type: events.BrainCycleV1,
		Payload: map[string]interface{}{
			"cycle_id":        cycleID,
			"regime":          string(regime),
			"kill_level":      int(level),
			"overall_quality": report.OverallQuality,
			"symbols":         len(o.cfg.Universe.Symbols),
			"submitted":       res.Submitted,
			"blocked":         res.Blocked,
		},
		Source:  "brain",
		TraceID: cycleID,
	}); err != nil {
		return nil, fmt.Errorf("brain: journal cycle: %w", err)
	}

	o.log.Info("cycle complete",
		"cycle_id", cycleID, "regime", regime, "kill_level", level.String(),
		"quality", report.OverallQuality, "submitted", res.Submitted, "blocked", res.Blocked)
	return res, nil
}

// recordSnapshot journals the feature snapshot and mirrors it into the
// feature_snapshots and conviction_log tables for learning attribution.
func (o *Orchestrator) recordSnapshot(ctx context.Context, snap *Snapshot) error {
	features, err := json.Marshal(snap.Features)
	if err != nil {
		return err
	}
	domainScores, err := json.Marshal(snap.DomainScores)
	if err != nil {
		return err
	}

	if _, err := o.store.Append(ctx, events.Draft{
		Type: events.BrainFeatureSnapshotV1,
		Payload: map[string]interface{}{
			"cycle_id":         snap.CycleID,
			"symbol":           snap.Symbol,
			"weighted_score":   snap.WeightedScore,
			"domains_used":     snap.DomainsUsed,
			"source_event_ids": snap.SourceEventIDs,
		},
		Source:  "brain",
		TraceID: snap.CycleID,
	}); err != nil {
		return fmt.Errorf("brain: journal snapshot: %w", err)
	}

	ts := snap.TS.UTC().Format(time.RFC3339Nano)
	if _, err := o.db.ExecContext(ctx,
		`INSERT INTO feature_snapshots (cycle_id, symbol, ts, features, source_event_ids)
		 VALUES (?, ?, ?, ?, ?)`,
		snap.CycleID, snap.Symbol, ts, string(features), strings.Join(snap.SourceEventIDs, ",")); err != nil {
		return fmt.Errorf("brain: insert feature snapshot: %w", err)
	}
	if _, err := o.db.ExecContext(ctx,
		`INSERT INTO conviction_log (cycle_id, symbol, domain_scores, weighted_score, ts)
		 VALUES (?, ?, ?, ?, ?)`,
		snap.CycleID, snap.Symbol, string(domainScores), snap.WeightedScore, ts); err != nil {
		return fmt.Errorf("brain: insert conviction log: %w", err)
	}
	return nil
}

// recordConviction journals the conviction event and its score row, returning
// the conviction row id used for position attribution.
func (o *Orchestrator) recordConviction(ctx context.Context, conv *Conviction, cycleID string) (string, error) {
	payload, err := conv.EventPayload()
	if err != nil {
		return "", err
	}
	if _, err := o.store.Append(ctx, events.Draft{
		Type:    events.BrainConvictionV1,
		Payload: payload,
		Source:  "brain",
		TraceID: cycleID,
	}); err != nil {
		return "", fmt.Errorf("brain: journal conviction: %w", err)
	}

	id := uuid.NewString()
	domains, err := json.Marshal(conv.DomainsUsed)
	if err != nil {
		return "", err
	}
	if _, err := o.db.ExecContext(ctx,
		`INSERT INTO conviction_scores (id, cycle_id, node_id, symbol, direction, magnitude, timeframe,
			ts, commitment_hash, pcs, cts, regime, domains_used)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, conv.CycleID, conv.NodeID, conv.Symbol, conv.Direction, conv.Magnitude, conv.Timeframe,
		conv.TS.UTC().Format(time.RFC3339Nano), conv.CommitmentHash, conv.PCS, conv.CTS,
		string(conv.Regime), string(domains)); err != nil {
		return "", fmt.Errorf("brain: insert conviction score: %w", err)
	}
	return id, nil
}

// queueForApproval journals a high-tier intent that needs operator sign-off
// instead of submitting it.
func (o *Orchestrator) queueForApproval(ctx context.Context, d *Decision, convictionID, cycleID string) error {
	payload, err := events.ToMap(d.Intent)
	if err != nil {
		return err
	}
	payload["requires_approval"] = true
	payload["conviction_id"] = convictionID
	if _, err := o.store.Append(ctx, events.Draft{
		Type:    events.ExecTradeIntentV1,
		Payload: payload,
		Source:  "brain",
		TraceID: cycleID,
	}); err != nil {
		return fmt.Errorf("brain: queue approval: %w", err)
	}
	o.log.Info("intent queued for approval", "symbol", d.Intent.Symbol, "conviction", d.Intent.ConvictionScore)
	return nil
}
