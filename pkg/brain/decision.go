package brain

import (
	"fmt"

	"github.com/b1e55ed/engine/pkg/config"
	"github.com/b1e55ed/engine/pkg/events"
)

// Decision is the output of the tiered sizing rules for one conviction.
type Decision struct {
	Intent           *events.TradeIntentPayload
	Blocked          bool
	BlockReason      string
	RequiresApproval bool
}

// Decide maps a conviction to a trade intent through the fixed tiers, or
// blocks it. Safety gates come first: anything at or above DEFENSIVE, or a
// CRISIS regime, blocks new intents regardless of score.
func Decide(c *Conviction, level KillLevel, risk config.Risk) *Decision {
	if level >= KillDefensive {
		return &Decision{Blocked: true, BlockReason: fmt.Sprintf("kill switch at %s", level)}
	}
	if c.Regime == RegimeCrisis {
		return &Decision{Blocked: true, BlockReason: "crisis regime"}
	}
	if c.Direction == "neutral" {
		return &Decision{Blocked: true, BlockReason: "neutral conviction"}
	}

	var (
		sizePct  float64
		leverage float64
		approval bool
	)
	switch {
	case c.Final >= 90:
		sizePct, leverage, approval = 0.10, 2, true
	case c.Final >= 75:
		sizePct, leverage = 0.05, 2
	case c.Final >= 60:
		sizePct, leverage = 0.02, 1
	default:
		return &Decision{Blocked: true, BlockReason: fmt.Sprintf("conviction %.1f below entry tier", c.Final)}
	}

	if sizePct > risk.MaxPositionPct {
		sizePct = risk.MaxPositionPct
	}
	if leverage > risk.MaxLeverage {
		leverage = risk.MaxLeverage
	}

	return &Decision{
		Intent: &events.TradeIntentPayload{
			Symbol:          c.Symbol,
			Direction:       c.Direction,
			SizePct:         sizePct,
			Leverage:        leverage,
			ConvictionScore: c.Final,
			Regime:          string(c.Regime),
			Rationale:       fmt.Sprintf("conviction %.1f (%s) in %s regime", c.Final, c.Direction, c.Regime),
		},
		RequiresApproval: approval,
	}
}
