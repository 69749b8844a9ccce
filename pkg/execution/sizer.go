package execution

import "github.com/b1e55ed/engine/pkg/config"

// Kelly parameters. The win probability and payoff ratio are deliberately
// conservative fixed priors rather than fitted values; the conviction score
// scales the fraction, it never raises the prior.
const (
	kellyWinProb     = 0.55
	kellyPayoffRatio = 1.2
	kellyMultiplier  = 0.5
)

// SizeInputs feed one sizing decision.
type SizeInputs struct {
	Equity          float64
	ConvictionScore float64 // 0..100
	Correlation     float64 // average correlation to open positions, -1..1
	HeatPct         float64 // current portfolio heat, 0..1
}

// Sizer computes position notional with a half-Kelly base scaled by
// conviction, capped by config, and throttled by portfolio correlation.
type Sizer struct {
	risk config.Risk
	exec config.Execution
}

func NewSizer(risk config.Risk, exec config.Execution) *Sizer {
	return &Sizer{risk: risk, exec: exec}
}

// Size returns the notional in USD, or 0 when the result lands below the
// minimum viable position.
func (s *Sizer) Size(in SizeInputs) float64 {
	if in.Equity <= 0 {
		return 0
	}

	kelly := (kellyWinProb*kellyPayoffRatio - (1 - kellyWinProb)) / kellyPayoffRatio
	fraction := kelly * kellyMultiplier

	conv := in.ConvictionScore / 100
	if conv < 0 {
		conv = 0
	}
	if conv > 1 {
		conv = 1
	}
	fraction *= 0.25 + 0.75*conv

	size := in.Equity * fraction

	if s.risk.MaxPositionPct > 0 {
		if capUSD := in.Equity * s.risk.MaxPositionPct; size > capUSD {
			size = capUSD
		}
	}

	// Correlated books get throttled harder as heat rises.
	corr := in.Correlation
	if corr < 0 {
		corr = -corr
	}
	throttle := 1 - corr*in.HeatPct
	if throttle < 0 {
		throttle = 0
	}
	size *= throttle

	if size < s.exec.MinPositionUSD {
		return 0
	}
	return size
}
