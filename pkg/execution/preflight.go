package execution

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/b1e55ed/engine/pkg/config"
	"github.com/b1e55ed/engine/pkg/events"
)

// PreflightResult records the verdict and every failed check. A rejection is
// soft: the intent is journaled with approved=false, never escalated.
type PreflightResult struct {
	Approved bool
	Reasons  []string
}

// GasKey identifies a native-token balance on one venue.
type GasKey struct {
	Venue string
	Asset string
}

// GasBalances is the caller's native balance snapshot keyed by venue and
// asset. A missing entry reads as zero and fails the gas check.
type GasBalances map[GasKey]float64

// Preflight runs the ordered risk checks plus any operator-defined CEL rules
// from the risk config. Rules are compiled once at construction.
type Preflight struct {
	risk config.Risk
	mode string
	gas  []config.GasRequirement
	gate KillGate

	rules []compiledRule
}

type compiledRule struct {
	expr string
	prg  cel.Program
}

// NewPreflight compiles the risk rules. A rule that fails to compile is a
// configuration error, surfaced immediately rather than at trade time.
func NewPreflight(risk config.Risk, exec config.Execution, gate KillGate) (*Preflight, error) {
	mode := exec.Mode
	if mode == "" {
		mode = "paper"
	}
	if mode != "paper" && mode != "live" {
		return nil, fmt.Errorf("execution: invalid mode %q", mode)
	}
	env, err := cel.NewEnv(
		cel.Variable("intent", cel.DynType),
		cel.Variable("account", cel.DynType),
		cel.Variable("regime", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("execution: cel env: %w", err)
	}

	p := &Preflight{risk: risk, mode: mode, gas: exec.GasRequirements, gate: gate}
	for _, expr := range risk.Rules {
		ast, iss := env.Compile(expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("execution: risk rule %q: %w", expr, iss.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("execution: risk rule %q: %w", expr, err)
		}
		p.rules = append(p.rules, compiledRule{expr: expr, prg: prg})
	}
	return p, nil
}

// regimeLeverageCap limits leverage by market regime regardless of config.
func regimeLeverageCap(regime string, configMax float64) float64 {
	switch regime {
	case "CRISIS":
		return 1
	case "TRANSITION", "BEAR":
		if configMax < 2 {
			return configMax
		}
		return 2
	default:
		return configMax
	}
}

// Check runs every gate in order and accumulates reasons instead of stopping
// at the first failure, so the journaled rejection names everything wrong.
func (p *Preflight) Check(intent *events.TradeIntentPayload, acct Account, sizeUSD float64, gas GasBalances) PreflightResult {
	var reasons []string

	if !p.gate.CanTrade() {
		reasons = append(reasons, "kill switch: trading halted")
	} else if !p.gate.CanOpenNewPositions() {
		reasons = append(reasons, "kill switch: new positions blocked")
	}

	if p.risk.DailyLossLimitPct > 0 && acct.DailyLossPct() >= p.risk.DailyLossLimitPct {
		reasons = append(reasons, fmt.Sprintf("daily loss %.2f%% at limit %.2f%%",
			acct.DailyLossPct()*100, p.risk.DailyLossLimitPct*100))
	}

	if acct.Equity > 0 && p.risk.MaxPositionPct > 0 && sizeUSD > acct.Equity*p.risk.MaxPositionPct {
		reasons = append(reasons, fmt.Sprintf("size $%.0f exceeds %.0f%% of equity $%.0f",
			sizeUSD, p.risk.MaxPositionPct*100, acct.Equity))
	}

	if lvCap := regimeLeverageCap(intent.Regime, p.risk.MaxLeverage); intent.Leverage > lvCap {
		reasons = append(reasons, fmt.Sprintf("leverage %.1fx exceeds %.1fx cap for %s regime",
			intent.Leverage, lvCap, intent.Regime))
	}

	if p.risk.MaxPortfolioHeatPct > 0 && acct.Equity > 0 {
		projected := (acct.OpenNotional + sizeUSD) / acct.Equity
		if projected > p.risk.MaxPortfolioHeatPct {
			reasons = append(reasons, fmt.Sprintf("projected heat %.0f%% exceeds limit %.0f%%",
				projected*100, p.risk.MaxPortfolioHeatPct*100))
		}
	}

	// Gas floors bind in live mode only; paper fills spend no gas.
	if p.mode == "live" {
		for _, g := range p.gas {
			have := gas[GasKey{Venue: g.Venue, Asset: g.Asset}]
			if have < g.MinAmount {
				reasons = append(reasons, fmt.Sprintf("insufficient_gas: %s %s balance %.6f below minimum %.6f",
					g.Venue, g.Asset, have, g.MinAmount))
			}
		}
	}

	reasons = append(reasons, p.evalRules(intent, acct, sizeUSD)...)

	return PreflightResult{Approved: len(reasons) == 0, Reasons: reasons}
}

func (p *Preflight) evalRules(intent *events.TradeIntentPayload, acct Account, sizeUSD float64) []string {
	if len(p.rules) == 0 {
		return nil
	}
	input := map[string]any{
		"intent": map[string]any{
			"symbol":           intent.Symbol,
			"direction":        intent.Direction,
			"size_usd":         sizeUSD,
			"size_pct":         intent.SizePct,
			"leverage":         intent.Leverage,
			"conviction_score": intent.ConvictionScore,
		},
		"account": map[string]any{
			"equity":        acct.Equity,
			"available":     acct.Available,
			"daily_pnl":     acct.DailyPnL,
			"open_notional": acct.OpenNotional,
			"heat_pct":      acct.HeatPct(),
		},
		"regime": intent.Regime,
	}

	var reasons []string
	for _, r := range p.rules {
		out, _, err := r.prg.Eval(input)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("risk rule %q: evaluation error: %v", r.expr, err))
			continue
		}
		if ok, isBool := out.Value().(bool); !isBool || !ok {
			reasons = append(reasons, fmt.Sprintf("risk rule failed: %s", r.expr))
		}
	}
	return reasons
}
