package brain

import (
	"sort"
	"time"

	"github.com/b1e55ed/engine/pkg/config"
	"github.com/b1e55ed/engine/pkg/events"
)

// SignalSource supplies the newest signal event per (symbol, type). The
// projections package implements it.
type SignalSource interface {
	Latest(symbol string, typ events.Type) *events.Event
}

// Snapshot is the per-cycle per-symbol synthesis result. Source event ids
// make every snapshot reproducible from the journal.
type Snapshot struct {
	CycleID        string
	Symbol         string
	TS             time.Time
	Features       map[config.Domain]map[string]float64
	DomainScores   map[config.Domain]float64
	DomainsUsed    []string
	SourceEventIDs []string
	WeightedScore  float64
	AdjustedWts    map[config.Domain]float64
}

// numericFeatures lists the payload fields extracted per event type.
var numericFeatures = map[events.Type][]string{
	events.SignalTAV1:         {"rsi_14", "ema_20", "ema_50", "ema_200", "bb_position", "volume_ratio", "trend_strength", "support_distance", "resistance_distance"},
	events.SignalOrderbookV1:  {"bid_depth_usd", "ask_depth_usd", "imbalance", "lod_score"},
	events.SignalOnchainV1:    {"whale_netflow", "exchange_flow", "active_addresses_change", "price_momentum_24h"},
	events.SignalStablecoinV1: {"supply_change_24h", "supply_change_7d"},
	events.SignalWhaleV1:      {"smart_money_netflow", "top_holders_change"},
	events.SignalTradFiV1:     {"basis_annualized", "funding_annualized", "oi_change_pct", "meltup_score"},
	events.SignalETFV1:        {"daily_flow_usd", "streak_days", "cumulative_7d"},
	events.SignalSocialV1:     {"score"},
	events.SignalSentimentV1:  {"fear_greed", "fear_greed_change_7d"},
	events.SignalACIV1:        {"consensus_score", "dispersion"},
	events.SignalEventsV1:     {"headline_sentiment", "impact_score", "event_count"},
	events.SignalCuratorV1:    {"conviction"},
}

// categoricalFeatures maps direction-like string fields to {+1, -1, 0}.
var categoricalFeatures = map[events.Type]map[string]string{
	events.SignalTAV1:      {"trend": "trend_dir"},
	events.SignalSocialV1:  {"direction": "social_dir"},
	events.SignalCuratorV1: {"direction": "curator_dir"},
}

func directionValue(s string) float64 {
	switch s {
	case "bullish":
		return 1
	case "bearish":
		return -1
	default:
		return 0
	}
}

// extract pulls the typed features of one event into the flat feature map.
func extract(ev *events.Event, out map[string]float64) {
	for _, name := range numericFeatures[ev.Type] {
		if v, ok := ev.Payload[name].(float64); ok {
			out[name] = v
		}
	}
	for field, feature := range categoricalFeatures[ev.Type] {
		if s, ok := ev.Payload[field].(string); ok {
			out[feature] = directionValue(s)
		}
	}
}

// Domain score formulas. Each maps the extracted features into [0, 1];
// missing features are skipped and the present components averaged.

func scoreTechnical(f map[string]float64) (float64, bool) {
	var parts []float64
	if rsi, ok := f["rsi_14"]; ok {
		parts = append(parts, clamp01((70-rsi)/40))
	}
	if ts, ok := f["trend_strength"]; ok {
		parts = append(parts, clamp01(ts))
	}
	if vr, ok := f["volume_ratio"]; ok {
		parts = append(parts, clamp01((vr-0.5)/2))
	}
	return mean(parts)
}

func scoreOnchain(f map[string]float64) (float64, bool) {
	var parts []float64
	if w, ok := f["whale_netflow"]; ok {
		parts = append(parts, clamp01(0.5+w/200))
	}
	if e, ok := f["exchange_flow"]; ok {
		parts = append(parts, clamp01(0.5-e/200))
	}
	if m, ok := f["price_momentum_24h"]; ok {
		parts = append(parts, clamp01(0.5+m/20))
	}
	return mean(parts)
}

func scoreTradFi(f map[string]float64) (float64, bool) {
	var parts []float64
	if fu, ok := f["funding_annualized"]; ok {
		parts = append(parts, clamp01(1-abs(fu-10)/30))
	}
	if b, ok := f["basis_annualized"]; ok {
		parts = append(parts, clamp01(1-abs(b-5)/8))
	}
	if oi, ok := f["oi_change_pct"]; ok {
		parts = append(parts, clamp01(0.5+oi/40))
	}
	return mean(parts)
}

func scoreSocial(f map[string]float64) (float64, bool) {
	var parts []float64
	if s, ok := f["score"]; ok {
		parts = append(parts, clamp01((s+10)/20))
	}
	if fg, ok := f["fear_greed"]; ok {
		// Contrarian: extreme fear is a buy signal.
		parts = append(parts, clamp01((50-fg)/50))
	}
	return mean(parts)
}

func scoreEvents(f map[string]float64) (float64, bool) {
	var parts []float64
	if h, ok := f["headline_sentiment"]; ok {
		parts = append(parts, clamp01((h+1)/2))
	}
	if i, ok := f["impact_score"]; ok {
		parts = append(parts, clamp01(i))
	}
	return mean(parts)
}

func scoreCurator(f map[string]float64) (float64, bool) {
	var parts []float64
	if c, ok := f["conviction"]; ok {
		parts = append(parts, clamp01(c/10))
	}
	if d, ok := f["curator_dir"]; ok {
		parts = append(parts, clamp01(0.5+0.25*d))
	}
	return mean(parts)
}

var domainScorers = map[config.Domain]func(map[string]float64) (float64, bool){
	config.DomainTechnical: scoreTechnical,
	config.DomainOnchain:   scoreOnchain,
	config.DomainTradFi:    scoreTradFi,
	config.DomainSocial:    scoreSocial,
	config.DomainEvents:    scoreEvents,
	config.DomainCurator:   scoreCurator,
}

func mean(parts []float64) (float64, bool) {
	if len(parts) == 0 {
		return 0, false
	}
	var sum float64
	for _, p := range parts {
		sum += p
	}
	return sum / float64(len(parts)), true
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// Synthesize builds the feature snapshot and weighted score for one symbol.
// adjustedWeights comes from the quality report's AdjustedWeights.
func Synthesize(cycleID, symbol string, now time.Time, src SignalSource, adjustedWeights map[config.Domain]float64) *Snapshot {
	snap := &Snapshot{
		CycleID:      cycleID,
		Symbol:       symbol,
		TS:           now,
		Features:     make(map[config.Domain]map[string]float64),
		DomainScores: make(map[config.Domain]float64),
		AdjustedWts:  adjustedWeights,
	}

	for _, d := range config.Domains {
		features := make(map[string]float64)
		for _, typ := range DomainTypes[d] {
			ev := src.Latest(symbol, typ)
			if ev == nil {
				continue
			}
			extract(ev, features)
			snap.SourceEventIDs = append(snap.SourceEventIDs, ev.ID)
		}
		if len(features) == 0 {
			continue
		}
		snap.Features[d] = features
		if score, ok := domainScorers[d](features); ok {
			snap.DomainScores[d] = score
			snap.DomainsUsed = append(snap.DomainsUsed, string(d))
		}
	}
	sort.Strings(snap.DomainsUsed)

	// Dot product with the quality-adjusted weights. Domains with no data for
	// this symbol contribute zero.
	var weighted float64
	for d, score := range snap.DomainScores {
		weighted += score * adjustedWeights[d]
	}
	snap.WeightedScore = clamp01(weighted)
	return snap
}
