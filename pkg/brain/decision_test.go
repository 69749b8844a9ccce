package brain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b1e55ed/engine/pkg/config"
)

func testRisk() config.Risk {
	return config.Risk{MaxLeverage: 3, MaxPositionPct: 0.10}
}

func conviction(final float64, direction string, regime Regime) *Conviction {
	return &Conviction{Symbol: "BTC", Direction: direction, Final: final, Regime: regime}
}

func TestDecideTiers(t *testing.T) {
	cases := []struct {
		final    float64
		sizePct  float64
		leverage float64
		approval bool
	}{
		{95, 0.10, 2, true},
		{90, 0.10, 2, true},
		{80, 0.05, 2, false},
		{75, 0.05, 2, false},
		{65, 0.02, 1, false},
		{60, 0.02, 1, false},
	}
	for _, tc := range cases {
		d := Decide(conviction(tc.final, "long", RegimeBull), KillSafe, testRisk())
		require.False(t, d.Blocked, "final %v", tc.final)
		assert.Equal(t, tc.sizePct, d.Intent.SizePct, "final %v", tc.final)
		assert.Equal(t, tc.leverage, d.Intent.Leverage, "final %v", tc.final)
		assert.Equal(t, tc.approval, d.RequiresApproval, "final %v", tc.final)
	}
}

func TestDecideBelowTierBlocked(t *testing.T) {
	d := Decide(conviction(59.9, "long", RegimeBull), KillSafe, testRisk())
	assert.True(t, d.Blocked)
}

func TestDecideNeutralBlocked(t *testing.T) {
	d := Decide(conviction(50, "neutral", RegimeBull), KillSafe, testRisk())
	assert.True(t, d.Blocked)
}

func TestDecideKillSwitchBlocks(t *testing.T) {
	d := Decide(conviction(95, "long", RegimeBull), KillDefensive, testRisk())
	assert.True(t, d.Blocked)
	assert.Contains(t, d.BlockReason, "kill switch")
}

func TestDecideCrisisBlocks(t *testing.T) {
	d := Decide(conviction(95, "long", RegimeCrisis), KillSafe, testRisk())
	assert.True(t, d.Blocked)
	assert.Equal(t, "crisis regime", d.BlockReason)
}

func TestDecideConfigCaps(t *testing.T) {
	risk := config.Risk{MaxLeverage: 1, MaxPositionPct: 0.03}
	d := Decide(conviction(95, "short", RegimeBull), KillSafe, risk)
	require.False(t, d.Blocked)
	assert.Equal(t, 0.03, d.Intent.SizePct)
	assert.Equal(t, 1.0, d.Intent.Leverage)
	assert.Equal(t, "short", d.Intent.Direction)
}
