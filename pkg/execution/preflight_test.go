package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b1e55ed/engine/pkg/config"
	"github.com/b1e55ed/engine/pkg/events"
)

type stubGate struct {
	openOK  bool
	tradeOK bool
}

func (g stubGate) CanOpenNewPositions() bool { return g.openOK }
func (g stubGate) CanTrade() bool            { return g.tradeOK }

func openGate() stubGate { return stubGate{openOK: true, tradeOK: true} }

func testIntent(regime string) *events.TradeIntentPayload {
	return &events.TradeIntentPayload{
		Symbol:          "BTC",
		Direction:       "long",
		SizePct:         0.05,
		Leverage:        2,
		ConvictionScore: 80,
		Regime:          regime,
	}
}

func healthyAccount() Account {
	return Account{Equity: 10_000, Available: 8_000, PeakEquity: 10_000}
}

func baseRisk() config.Risk {
	return config.Risk{
		MaxLeverage:         3,
		MaxPositionPct:      0.10,
		MaxPortfolioHeatPct: 0.50,
		DailyLossLimitPct:   0.05,
		MaxDrawdownPct:      0.20,
	}
}

func TestPreflightApproves(t *testing.T) {
	pf, err := NewPreflight(baseRisk(), testExecConfig(), openGate())
	require.NoError(t, err)

	res := pf.Check(testIntent("BULL"), healthyAccount(), 500, nil)
	assert.True(t, res.Approved)
	assert.Empty(t, res.Reasons)
}

func TestPreflightKillGate(t *testing.T) {
	pf, err := NewPreflight(baseRisk(), testExecConfig(), stubGate{openOK: false, tradeOK: true})
	require.NoError(t, err)

	res := pf.Check(testIntent("BULL"), healthyAccount(), 500, nil)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Reasons[0], "new positions blocked")
}

func TestPreflightDailyLossLimit(t *testing.T) {
	pf, err := NewPreflight(baseRisk(), testExecConfig(), openGate())
	require.NoError(t, err)

	acct := healthyAccount()
	acct.DailyPnL = -600 // 6% of equity
	res := pf.Check(testIntent("BULL"), acct, 500, nil)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Reasons[0], "daily loss")
}

func TestPreflightPositionSize(t *testing.T) {
	pf, err := NewPreflight(baseRisk(), testExecConfig(), openGate())
	require.NoError(t, err)

	res := pf.Check(testIntent("BULL"), healthyAccount(), 1_500, nil)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Reasons[0], "exceeds")
}

func TestPreflightRegimeLeverageCap(t *testing.T) {
	pf, err := NewPreflight(baseRisk(), testExecConfig(), openGate())
	require.NoError(t, err)

	// 2x is fine in BULL but not in CRISIS.
	assert.True(t, pf.Check(testIntent("BULL"), healthyAccount(), 500, nil).Approved)

	res := pf.Check(testIntent("CRISIS"), healthyAccount(), 500, nil)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Reasons[0], "CRISIS")

	// BEAR caps at 2x, so 2x still passes.
	assert.True(t, pf.Check(testIntent("BEAR"), healthyAccount(), 500, nil).Approved)
}

func TestPreflightHeatProjection(t *testing.T) {
	pf, err := NewPreflight(baseRisk(), testExecConfig(), openGate())
	require.NoError(t, err)

	acct := healthyAccount()
	acct.OpenNotional = 4_800
	res := pf.Check(testIntent("BULL"), acct, 500, nil)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Reasons[0], "heat")
}

func TestPreflightAccumulatesReasons(t *testing.T) {
	pf, err := NewPreflight(baseRisk(), testExecConfig(), stubGate{openOK: false, tradeOK: true})
	require.NoError(t, err)

	acct := healthyAccount()
	acct.DailyPnL = -600
	res := pf.Check(testIntent("CRISIS"), acct, 1_500, nil)
	assert.False(t, res.Approved)
	assert.GreaterOrEqual(t, len(res.Reasons), 3)
}

func TestPreflightCELRules(t *testing.T) {
	risk := baseRisk()
	risk.Rules = []string{
		`intent.size_usd < account.equity * 0.2`,
		`regime != "CRISIS" || intent.leverage <= 1.0`,
	}
	pf, err := NewPreflight(risk, testExecConfig(), openGate())
	require.NoError(t, err)

	assert.True(t, pf.Check(testIntent("BULL"), healthyAccount(), 500, nil).Approved)

	intent := testIntent("BULL")
	intent.Leverage = 3
	res := pf.Check(intent, healthyAccount(), 900, nil)
	assert.True(t, res.Approved)

	// First rule trips on an oversized order.
	res = pf.Check(testIntent("BULL"), Account{Equity: 2_000}, 500, nil)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Reasons[len(res.Reasons)-1], "risk rule failed")
}

func TestPreflightGasCheckLiveMode(t *testing.T) {
	exec := testExecConfig()
	exec.Mode = "live"
	exec.GasRequirements = []config.GasRequirement{
		{Venue: "base", Asset: "ETH", MinAmount: 0.001},
	}
	pf, err := NewPreflight(baseRisk(), exec, openGate())
	require.NoError(t, err)

	res := pf.Check(testIntent("BULL"), healthyAccount(), 500,
		GasBalances{{Venue: "base", Asset: "ETH"}: 0})
	assert.False(t, res.Approved)
	require.NotEmpty(t, res.Reasons)
	assert.Contains(t, res.Reasons[0], "insufficient_gas")

	// An absent balance reads as zero.
	res = pf.Check(testIntent("BULL"), healthyAccount(), 500, nil)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Reasons[0], "insufficient_gas")

	res = pf.Check(testIntent("BULL"), healthyAccount(), 500,
		GasBalances{{Venue: "base", Asset: "ETH"}: 0.002})
	assert.True(t, res.Approved)
}

func TestPreflightGasIgnoredInPaperMode(t *testing.T) {
	exec := testExecConfig()
	exec.GasRequirements = []config.GasRequirement{
		{Venue: "base", Asset: "ETH", MinAmount: 0.001},
	}
	pf, err := NewPreflight(baseRisk(), exec, openGate())
	require.NoError(t, err)

	assert.True(t, pf.Check(testIntent("BULL"), healthyAccount(), 500, nil).Approved)
}

func TestPreflightRejectsUnknownMode(t *testing.T) {
	exec := testExecConfig()
	exec.Mode = "shadow"
	_, err := NewPreflight(baseRisk(), exec, openGate())
	assert.Error(t, err)
}

func TestPreflightRejectsBadRule(t *testing.T) {
	risk := baseRisk()
	risk.Rules = []string{`this is not CEL`}
	_, err := NewPreflight(risk, testExecConfig(), openGate())
	assert.Error(t, err)
}
