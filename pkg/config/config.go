// Package config loads engine configuration from exactly three surfaces:
//
//  1. config/default.yaml plus config/presets/<preset>.yaml
//  2. environment variables (secrets only)
//  3. data/learned_weights.yaml, the optional overlay the learning loop writes
//
// Everything else is derived. The config schema carries a semantic version;
// the engine refuses configs outside its supported range.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// SchemaVersion is the config schema this build writes.
const SchemaVersion = "1.0.0"

// schemaConstraint is the range of config schemas this build accepts.
const schemaConstraint = "^1.0"

// Domain is a synthesis feature-vector slot.
type Domain string

const (
	DomainCurator   Domain = "curator"
	DomainOnchain   Domain = "onchain"
	DomainTradFi    Domain = "tradfi"
	DomainSocial    Domain = "social"
	DomainTechnical Domain = "technical"
	DomainEvents    Domain = "events"
)

// Domains lists every synthesis domain in canonical order.
var Domains = []Domain{DomainCurator, DomainOnchain, DomainTradFi, DomainSocial, DomainTechnical, DomainEvents}

// Weights are the synthesis domain weights. They must sum to 1 (±0.001).
type Weights struct {
	Curator   float64 `yaml:"curator"`
	Onchain   float64 `yaml:"onchain"`
	TradFi    float64 `yaml:"tradfi"`
	Social    float64 `yaml:"social"`
	Technical float64 `yaml:"technical"`
	Events    float64 `yaml:"events"`
}

// DefaultWeights returns the balanced-preset weights.
func DefaultWeights() Weights {
	return Weights{Curator: 0.25, Onchain: 0.25, TradFi: 0.20, Social: 0.15, Technical: 0.10, Events: 0.05}
}

// Map returns the weights keyed by domain.
func (w Weights) Map() map[Domain]float64 {
	return map[Domain]float64{
		DomainCurator:   w.Curator,
		DomainOnchain:   w.Onchain,
		DomainTradFi:    w.TradFi,
		DomainSocial:    w.Social,
		DomainTechnical: w.Technical,
		DomainEvents:    w.Events,
	}
}

// FromMap builds Weights from a domain-keyed map, keeping existing values for
// absent domains.
func (w Weights) FromMap(m map[Domain]float64) Weights {
	out := w
	if v, ok := m[DomainCurator]; ok {
		out.Curator = v
	}
	if v, ok := m[DomainOnchain]; ok {
		out.Onchain = v
	}
	if v, ok := m[DomainTradFi]; ok {
		out.TradFi = v
	}
	if v, ok := m[DomainSocial]; ok {
		out.Social = v
	}
	if v, ok := m[DomainTechnical]; ok {
		out.Technical = v
	}
	if v, ok := m[DomainEvents]; ok {
		out.Events = v
	}
	return out
}

func (w Weights) sum() float64 {
	return w.Curator + w.Onchain + w.TradFi + w.Social + w.Technical + w.Events
}

// Validate checks the sum constraint.
func (w Weights) Validate() error {
	if math.Abs(w.sum()-1.0) > 0.001 {
		return fmt.Errorf("config: domain weights must sum to 1.0, got %v", w.sum())
	}
	return nil
}

// Risk caps applied by preflight and the sizer.
type Risk struct {
	MaxLeverage         float64 `yaml:"max_leverage"`
	MaxPositionPct      float64 `yaml:"max_position_pct"`
	MaxPortfolioHeatPct float64 `yaml:"max_portfolio_heat_pct"`
	DailyLossLimitPct   float64 `yaml:"daily_loss_limit_pct"`
	MaxDrawdownPct      float64 `yaml:"max_drawdown_pct"`
	// Rules are optional operator-defined CEL expressions evaluated by
	// preflight; every rule must be true for an intent to pass.
	Rules []string `yaml:"rules,omitempty"`
}

// Brain cycle settings.
type Brain struct {
	CycleIntervalSeconds int `yaml:"cycle_interval_seconds"`
}

// Execution mode and paper-trading settings.
type Execution struct {
	Mode                     string           `yaml:"mode"` // paper | live
	PaperStartBalance        float64          `yaml:"paper_start_balance"`
	ConfirmationThresholdUSD float64          `yaml:"confirmation_threshold_usd"`
	PaperMinDays             int              `yaml:"paper_min_days"`
	MinPositionUSD           float64          `yaml:"min_position_usd"`
	SlippageBps              float64          `yaml:"slippage_bps"`
	FeeRate                  float64          `yaml:"fee_rate"`
	GasRequirements          []GasRequirement `yaml:"gas_requirements"`
}

// GasRequirement is a native-token floor a venue must hold before live
// orders go out.
type GasRequirement struct {
	Venue     string  `yaml:"venue"`
	Asset     string  `yaml:"asset"`
	MinAmount float64 `yaml:"min_amount"`
}

// KillSwitch auto-escalation thresholds.
type KillSwitch struct {
	L1DailyLossPct     float64 `yaml:"l1_daily_loss_pct"`
	L2PortfolioHeatPct float64 `yaml:"l2_portfolio_heat_pct"`
	L3CrisisThreshold  int     `yaml:"l3_crisis_threshold"`
	L4MaxDrawdownPct   float64 `yaml:"l4_max_drawdown_pct"`
}

// Karma settlement settings.
type Karma struct {
	Enabled         bool    `yaml:"enabled"`
	Percentage      float64 `yaml:"percentage"`
	SettlementMode  string  `yaml:"settlement_mode"` // manual | daily | weekly | threshold
	ThresholdUSD    float64 `yaml:"threshold_usd"`
	TreasuryAddress string  `yaml:"treasury_address"`
}

// Universe is the tradable symbol set.
type Universe struct {
	Symbols []string `yaml:"symbols"`
	MaxSize int      `yaml:"max_size"`
}

// Logging settings.
type Logging struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// API binds the thin status/submit surface.
type API struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Telemetry configures the optional OTLP export.
type Telemetry struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Archive configures journal export.
type Archive struct {
	Backend string `yaml:"backend"` // fs | s3 | gcs
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Dir     string `yaml:"dir"`
}

// Config is the root configuration, the single source of truth.
type Config struct {
	ConfigVersion string `yaml:"config_version"`
	Preset        string `yaml:"preset"` // conservative | balanced | degen | custom

	DataDir string `yaml:"data_dir"`

	Weights    Weights    `yaml:"weights"`
	Risk       Risk       `yaml:"risk"`
	Brain      Brain      `yaml:"brain"`
	Execution  Execution  `yaml:"execution"`
	KillSwitch KillSwitch `yaml:"kill_switch"`
	Karma      Karma      `yaml:"karma"`
	Universe   Universe   `yaml:"universe"`
	Logging    Logging    `yaml:"logging"`
	API        API        `yaml:"api"`
	Telemetry  Telemetry  `yaml:"telemetry"`
	Archive    Archive    `yaml:"archive"`
}

// Default returns the built-in balanced configuration.
func Default() Config {
	return Config{
		ConfigVersion: SchemaVersion,
		Preset:        "balanced",
		DataDir:       "data",
		Weights:       DefaultWeights(),
		Risk: Risk{
			MaxLeverage:         2.0,
			MaxPositionPct:      0.10,
			MaxPortfolioHeatPct: 0.06,
			DailyLossLimitPct:   0.03,
			MaxDrawdownPct:      0.30,
		},
		Brain: Brain{CycleIntervalSeconds: 1800},
		Execution: Execution{
			Mode:                     "paper",
			PaperStartBalance:        10000,
			ConfirmationThresholdUSD: 500,
			PaperMinDays:             14,
			MinPositionUSD:           10,
			SlippageBps:              5,
			FeeRate:                  0.0005,
		},
		KillSwitch: KillSwitch{
			L1DailyLossPct:     0.03,
			L2PortfolioHeatPct: 0.06,
			L3CrisisThreshold:  2,
			L4MaxDrawdownPct:   0.30,
		},
		Karma: Karma{
			Enabled:        false,
			Percentage:     0.005,
			SettlementMode: "manual",
			ThresholdUSD:   50,
		},
		Universe: Universe{Symbols: []string{"BTC", "ETH", "SOL", "SUI", "HYPE"}, MaxSize: 100},
		Logging:  Logging{Level: "INFO"},
		API:      API{Host: "127.0.0.1", Port: 5050},
		Archive:  Archive{Backend: "fs", Dir: "data/archive"},
	}
}

var validPresets = map[string]bool{"conservative": true, "balanced": true, "degen": true, "custom": true}

// Validate checks the closed option set.
func (c Config) Validate() error {
	if c.ConfigVersion != "" {
		v, err := semver.NewVersion(c.ConfigVersion)
		if err != nil {
			return fmt.Errorf("config: invalid config_version %q: %w", c.ConfigVersion, err)
		}
		constraint, err := semver.NewConstraint(schemaConstraint)
		if err != nil {
			return fmt.Errorf("config: schema constraint: %w", err)
		}
		if !constraint.Check(v) {
			return fmt.Errorf("config: config_version %s outside supported range %s", c.ConfigVersion, schemaConstraint)
		}
	}
	if !validPresets[c.Preset] {
		return fmt.Errorf("config: unknown preset %q", c.Preset)
	}
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if c.Execution.Mode != "paper" && c.Execution.Mode != "live" {
		return fmt.Errorf("config: execution.mode must be paper or live, got %q", c.Execution.Mode)
	}
	if c.Execution.PaperMinDays < 1 {
		return fmt.Errorf("config: execution.paper_min_days must be >= 1")
	}
	for _, g := range c.Execution.GasRequirements {
		if g.Venue == "" || g.Asset == "" || g.MinAmount <= 0 {
			return fmt.Errorf("config: gas requirement %q/%q needs a venue, asset, and positive min_amount", g.Venue, g.Asset)
		}
	}
	switch c.Karma.SettlementMode {
	case "manual", "daily", "weekly", "threshold":
	default:
		return fmt.Errorf("config: karma.settlement_mode %q invalid", c.Karma.SettlementMode)
	}
	if len(c.Universe.Symbols) == 0 {
		return fmt.Errorf("config: universe.symbols is empty")
	}
	return nil
}

// Load reads default.yaml from configDir, merges the selected preset under
// it, applies the learned-weights overlay from dataDir when present, and
// validates.
func Load(configDir, dataDir string) (Config, error) {
	path := filepath.Join(configDir, "default.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return load(raw, configDir, dataDir)
}

func load(raw []byte, configDir, dataDir string) (Config, error) {
	var root map[string]interface{}
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return Config{}, fmt.Errorf("config: parse default.yaml: %w", err)
	}

	preset := "balanced"
	if p, ok := root["preset"].(string); ok && p != "" {
		preset = p
	}

	merged := root
	presetPath := filepath.Join(configDir, "presets", preset+".yaml")
	if presetRaw, err := os.ReadFile(presetPath); err == nil {
		var presetMap map[string]interface{}
		if err := yaml.Unmarshal(presetRaw, &presetMap); err != nil {
			return Config{}, fmt.Errorf("config: parse preset %s: %w", preset, err)
		}
		merged = deepMerge(presetMap, root)
	}

	cfg := Default()
	out, err := yaml.Marshal(merged)
	if err != nil {
		return Config{}, fmt.Errorf("config: re-marshal: %w", err)
	}
	if err := yaml.Unmarshal(out, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Preset = preset

	// Surface 3: learned weights overlay.
	if dataDir != "" {
		if overlay, err := os.ReadFile(filepath.Join(dataDir, "learned_weights.yaml")); err == nil {
			var learned struct {
				Weights *Weights `yaml:"weights"`
			}
			if err := yaml.Unmarshal(overlay, &learned); err != nil {
				return Config{}, fmt.Errorf("config: parse learned_weights.yaml: %w", err)
			}
			if learned.Weights != nil {
				cfg.Weights = *learned.Weights
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// deepMerge overlays b on top of a, recursing into nested maps. Values in b
// win.
func deepMerge(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if bm, ok := v.(map[string]interface{}); ok {
			if am, ok := out[k].(map[string]interface{}); ok {
				out[k] = deepMerge(am, bm)
				continue
			}
		}
		out[k] = v
	}
	return out
}
