package events

import (
	"encoding/json"
	"fmt"
)

// Typed payloads for the closed event type set. Optional fields are pointers
// so they are omitted from the canonical form when absent; hash and dedupe
// outcomes depend on exactly the fields present.

// TASignal carries technical-analysis indicators for one symbol.
type TASignal struct {
	Symbol             string   `json:"symbol"`
	RSI14              *float64 `json:"rsi_14,omitempty"`
	EMA20              *float64 `json:"ema_20,omitempty"`
	EMA50              *float64 `json:"ema_50,omitempty"`
	EMA200             *float64 `json:"ema_200,omitempty"`
	BBPosition         *float64 `json:"bb_position,omitempty"`
	VolumeRatio        *float64 `json:"volume_ratio,omitempty"`
	Trend              string   `json:"trend,omitempty"` // bullish | bearish | neutral
	TrendStrength      *float64 `json:"trend_strength,omitempty"`
	SupportDistance    *float64 `json:"support_distance,omitempty"`
	ResistanceDistance *float64 `json:"resistance_distance,omitempty"`
}

// OnchainSignal carries on-chain flow metrics.
type OnchainSignal struct {
	Symbol                string   `json:"symbol"`
	WhaleNetflow          *float64 `json:"whale_netflow,omitempty"`
	ExchangeFlow          *float64 `json:"exchange_flow,omitempty"`
	ActiveAddressesChange *float64 `json:"active_addresses_change,omitempty"`
	PriceMomentum24h      *float64 `json:"price_momentum_24h,omitempty"`
}

// TradFiSignal carries derivatives and basis metrics.
type TradFiSignal struct {
	Symbol           string   `json:"symbol"`
	BasisAnnualized  *float64 `json:"basis_annualized,omitempty"`
	FundingAnnualize *float64 `json:"funding_annualized,omitempty"`
	OIChangePct      *float64 `json:"oi_change_pct,omitempty"`
	MeltupScore      *float64 `json:"meltup_score,omitempty"`
}

// SocialSignal carries aggregated social sentiment.
type SocialSignal struct {
	Symbol          string  `json:"symbol"`
	Score           float64 `json:"score"`     // -10 .. +10
	Direction       string  `json:"direction"` // bullish | bearish | neutral
	SourceCount     int     `json:"source_count"`
	ContrarianFlag  bool    `json:"contrarian_flag,omitempty"`
	EchoChamberFlag bool    `json:"echo_chamber_flag,omitempty"`
}

// SentimentSignal carries market-wide fear/greed readings.
type SentimentSignal struct {
	Symbol           string   `json:"symbol"`
	FearGreed        *float64 `json:"fear_greed,omitempty"`
	FearGreedChange7 *float64 `json:"fear_greed_change_7d,omitempty"`
	CTSentiment      string   `json:"ct_sentiment,omitempty"`
}

// EventsSignal carries headline/catalyst information.
type EventsSignal struct {
	Symbol            string   `json:"symbol"`
	HeadlineSentiment *float64 `json:"headline_sentiment,omitempty"` // -1 .. +1
	ImpactScore       *float64 `json:"impact_score,omitempty"`       // 0 .. 1
	EventCount        int      `json:"event_count"`
	Catalysts         []string `json:"catalysts,omitempty"`
}

// ETFFlowSignal carries spot-ETF flow data.
type ETFFlowSignal struct {
	Symbol       string   `json:"symbol"`
	DailyFlowUSD *float64 `json:"daily_flow_usd,omitempty"`
	StreakDays   int      `json:"streak_days"`
	Cumulative7d *float64 `json:"cumulative_7d,omitempty"`
}

// StablecoinSignal carries stablecoin supply changes.
type StablecoinSignal struct {
	Stablecoin     string   `json:"stablecoin"`
	SupplyChange24 *float64 `json:"supply_change_24h,omitempty"`
	SupplyChange7d *float64 `json:"supply_change_7d,omitempty"`
	MintBurnEvents int      `json:"mint_burn_events"`
}

// WhaleSignal carries smart-money flow metrics.
type WhaleSignal struct {
	Symbol            string   `json:"symbol"`
	SmartMoneyNetflow *float64 `json:"smart_money_netflow,omitempty"`
	TopHoldersChange  *float64 `json:"top_holders_change,omitempty"`
}

// OrderbookSignal carries depth and imbalance metrics.
type OrderbookSignal struct {
	Symbol      string   `json:"symbol"`
	BidDepthUSD *float64 `json:"bid_depth_usd,omitempty"`
	AskDepthUSD *float64 `json:"ask_depth_usd,omitempty"`
	Imbalance   *float64 `json:"imbalance,omitempty"`
	LODScore    *float64 `json:"lod_score,omitempty"`
}

// PriceWSSignal carries a spot quote (polling placeholder for a ws feed).
type PriceWSSignal struct {
	Symbol string   `json:"symbol"`
	Price  *float64 `json:"price,omitempty"`
	Bid    *float64 `json:"bid,omitempty"`
	Ask    *float64 `json:"ask,omitempty"`
	Venue  string   `json:"venue,omitempty"`
}

// CuratorSignal carries an operator-curated thesis.
type CuratorSignal struct {
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`  // bullish | bearish | neutral
	Conviction float64 `json:"conviction"` // 0 .. 10
	Rationale  string  `json:"rationale"`
	Source     string  `json:"source,omitempty"`
}

// ACISignal carries a model-consensus reading.
type ACISignal struct {
	Symbol          string  `json:"symbol"`
	ConsensusScore  float64 `json:"consensus_score"`
	ModelsQueried   int     `json:"models_queried"`
	ModelsResponded int     `json:"models_responded"`
	Dispersion      float64 `json:"dispersion"`
}

// ConvictionPayload is the brain.conviction.v1 payload. CommitmentHash covers
// the canonical JSON of the payload with the commitment_hash field removed.
type ConvictionPayload struct {
	Symbol         string   `json:"symbol"`
	Direction      string   `json:"direction"` // long | short | neutral
	Magnitude      float64  `json:"magnitude"` // 0 .. 10
	Timeframe      string   `json:"timeframe"`
	PCSScore       float64  `json:"pcs_score"`
	CTSScore       *float64 `json:"cts_score,omitempty"`
	Regime         string   `json:"regime"`
	DomainsUsed    []string `json:"domains_used"`
	CommitmentHash string   `json:"commitment_hash,omitempty"`
}

// TradeIntentPayload is the execution.trade_intent.v1 payload.
type TradeIntentPayload struct {
	Symbol          string   `json:"symbol"`
	Direction       string   `json:"direction"` // long | short
	SizePct         float64  `json:"size_pct"`
	Leverage        float64  `json:"leverage"`
	ConvictionScore float64  `json:"conviction_score"`
	Regime          string   `json:"regime"`
	Rationale       string   `json:"rationale"`
	StopLossPct     *float64 `json:"stop_loss_pct,omitempty"`
	TakeProfitPct   *float64 `json:"take_profit_pct,omitempty"`
}

// KillSwitchPayload is the system.kill_switch.v1 payload.
type KillSwitchPayload struct {
	Level         int    `json:"level"`
	PreviousLevel int    `json:"previous_level"`
	Reason        string `json:"reason"`
	Auto          bool   `json:"auto"`
	Actor         string `json:"actor"`
}

// ToMap converts a typed payload to the generic map form the journal stores.
// The round trip through encoding/json keeps field names and omission rules
// identical to what canonical hashing sees.
func ToMap(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("events: payload is not an object: %w", err)
	}
	return m, nil
}

// F is shorthand for optional float fields in payload literals.
func F(v float64) *float64 { return &v }
