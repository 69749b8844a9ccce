package brain

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b1e55ed/engine/pkg/config"
	"github.com/b1e55ed/engine/pkg/events"
	"github.com/b1e55ed/engine/pkg/execution"
	"github.com/b1e55ed/engine/pkg/journal"
	"github.com/b1e55ed/engine/pkg/marketdata"
	"github.com/b1e55ed/engine/pkg/projections"
)

type cycleFixture struct {
	store  *journal.SQLiteStore
	orch   *Orchestrator
	kill   *KillSwitch
	cfg    *config.Config
	prices *marketdata.MemoryPrices
}

func newCycleFixture(t *testing.T) *cycleFixture {
	t.Helper()
	ctx := context.Background()

	store, err := journal.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Universe.Symbols = []string{"BTC"}
	// A single conviction-sized position runs around 8% of equity, so the
	// default 6% heat ceiling would veto every open.
	cfg.Risk.MaxPortfolioHeatPct = 0.20

	prices := marketdata.NewMemoryPrices()
	require.NoError(t, prices.SetMark(ctx, "BTC", 50_000))

	broker, err := execution.NewPaperBroker(ctx, store.DB(), prices, cfg.Execution, nil)
	require.NoError(t, err)
	tracker := execution.NewPnLTracker(store.DB(), prices, broker)

	kill, err := NewKillSwitch(ctx, store, KillThresholds{
		L1DailyLossPct:     cfg.KillSwitch.L1DailyLossPct,
		L2PortfolioHeatPct: cfg.KillSwitch.L2PortfolioHeatPct,
		L3CrisisThreshold:  cfg.KillSwitch.L3CrisisThreshold,
		L4MaxDrawdownPct:   cfg.KillSwitch.L4MaxDrawdownPct,
	}, nil)
	require.NoError(t, err)

	pf, err := execution.NewPreflight(cfg.Risk, cfg.Execution, kill)
	require.NoError(t, err)
	sizer := execution.NewSizer(cfg.Risk, cfg.Execution)
	oms := execution.NewOMS(store, pf, sizer, broker, tracker, nil, nil)

	orch := NewOrchestrator(store, store.DB(), &cfg, projections.NewManager(), kill, oms, tracker, "node-test", nil)
	return &cycleFixture{store: store, orch: orch, kill: kill, cfg: &cfg, prices: prices}
}

func (f *cycleFixture) seed(t *testing.T, typ events.Type, payload map[string]interface{}) {
	t.Helper()
	now := time.Now().UTC()
	_, err := f.store.Append(context.Background(), events.Draft{
		Type:       typ,
		Payload:    payload,
		ObservedAt: &now,
		Source:     "seed",
	})
	require.NoError(t, err)
}

func (f *cycleFixture) countByType(t *testing.T, typ events.Type) int {
	t.Helper()
	evs, err := f.store.Query(context.Background(), journal.Filter{Types: []events.Type{typ}})
	require.NoError(t, err)
	return len(evs)
}

// seedBullishBTC loads one fresh signal per domain that together synthesize to
// a high-but-not-approval-tier conviction on BTC.
func (f *cycleFixture) seedBullishBTC(t *testing.T) {
	f.seed(t, events.SignalTAV1, map[string]interface{}{
		"symbol": "BTC", "rsi_14": 30.0, "trend_strength": 0.8,
	})
	f.seed(t, events.SignalOnchainV1, map[string]interface{}{
		"symbol": "BTC", "whale_netflow": 80.0, "exchange_flow": -20.0, "price_momentum_24h": 10.0,
	})
	f.seed(t, events.SignalTradFiV1, map[string]interface{}{
		"symbol": "BTC", "funding_annualized": 10.0, "basis_annualized": 5.0,
	})
	f.seed(t, events.SignalSocialV1, map[string]interface{}{
		"symbol": "BTC", "score": 5.0, "direction": "bullish",
	})
}

func TestRunCycleOpensPositionFromSignals(t *testing.T) {
	ctx := context.Background()
	f := newCycleFixture(t)
	f.seedBullishBTC(t)

	res, err := f.orch.RunCycle(ctx, time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Submitted)
	assert.Zero(t, res.Blocked)
	assert.Equal(t, KillSafe, res.KillLevel)
	// Four of six domains reported fresh data.
	assert.InDelta(t, 4.0/6.0, res.Quality, 1e-9)

	require.Len(t, res.Convictions, 1)
	conv := res.Convictions[0]
	assert.Equal(t, "BTC", conv.Symbol)
	assert.Equal(t, "long", conv.Direction)
	assert.Zero(t, conv.CTS)
	// High enough to trade on the mid tier, below the approval tier.
	assert.GreaterOrEqual(t, conv.Final, 75.0)
	assert.Less(t, conv.Final, 90.0)

	ok, err := conv.VerifyCommitment()
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 1, f.countByType(t, events.BrainFeatureSnapshotV1))
	assert.Equal(t, 1, f.countByType(t, events.BrainConvictionV1))
	assert.Equal(t, 1, f.countByType(t, events.ExecTradeIntentV1))
	assert.Equal(t, 1, f.countByType(t, events.ExecOrderFilledV1))
	assert.Equal(t, 1, f.countByType(t, events.ExecPositionOpenedV1))
	assert.Equal(t, 1, f.countByType(t, events.BrainCycleV1))

	var snapshots, scores int
	require.NoError(t, f.store.DB().QueryRow(`SELECT COUNT(*) FROM feature_snapshots`).Scan(&snapshots))
	require.NoError(t, f.store.DB().QueryRow(`SELECT COUNT(*) FROM conviction_scores`).Scan(&scores))
	assert.Equal(t, 1, snapshots)
	assert.Equal(t, 1, scores)

	require.NoError(t, f.store.VerifyChain(ctx, 0))
}

func TestRunCycleCrisisBlocksAndEscalates(t *testing.T) {
	ctx := context.Background()
	f := newCycleFixture(t)

	// Deeply negative funding plus a collapsed basis are two crisis votes.
	f.seed(t, events.SignalTAV1, map[string]interface{}{
		"symbol": "BTC", "rsi_14": 20.0, "trend_strength": 0.9,
	})
	f.seed(t, events.SignalTradFiV1, map[string]interface{}{
		"symbol": "BTC", "funding_annualized": -15.0, "basis_annualized": 0.5,
	})

	res, err := f.orch.RunCycle(ctx, time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, RegimeCrisis, res.Regime)
	assert.Equal(t, KillLockdown, res.KillLevel)
	assert.Equal(t, 1, res.Blocked)
	assert.Zero(t, res.Submitted)

	assert.Equal(t, 1, f.countByType(t, events.BrainRegimeChangeV1))
	assert.Equal(t, 1, f.countByType(t, events.SystemKillSwitchV1))
	assert.Zero(t, f.countByType(t, events.ExecTradeIntentV1))
	assert.Zero(t, f.countByType(t, events.ExecPositionOpenedV1))

	require.NoError(t, f.store.VerifyChain(ctx, 0))
}

func TestRunCycleWithNoSignalsBlocksOnLowConviction(t *testing.T) {
	ctx := context.Background()
	f := newCycleFixture(t)

	res, err := f.orch.RunCycle(ctx, time.Now().UTC())
	require.NoError(t, err)

	assert.Zero(t, res.Quality)
	assert.Equal(t, 1, res.Blocked)
	assert.Zero(t, res.Submitted)
	assert.Zero(t, f.countByType(t, events.ExecTradeIntentV1))
	assert.Equal(t, 1, f.countByType(t, events.BrainCycleV1))
}

func TestRunCycleHonorsManualEscalation(t *testing.T) {
	ctx := context.Background()
	f := newCycleFixture(t)
	f.seedBullishBTC(t)

	require.NoError(t, f.kill.Escalate(ctx, KillDefensive, "operator pause", "ops"))

	res, err := f.orch.RunCycle(ctx, time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, KillDefensive, res.KillLevel)
	assert.Equal(t, 1, res.Blocked)
	assert.Zero(t, res.Submitted)
	assert.Zero(t, f.countByType(t, events.ExecPositionOpenedV1))
}

func TestRunCycleIsIncrementalAcrossCycles(t *testing.T) {
	ctx := context.Background()
	f := newCycleFixture(t)
	f.seedBullishBTC(t)

	first, err := f.orch.RunCycle(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, first.Submitted)

	// Nothing new arrived; the second cycle re-reads the same projections and
	// sizes against the now-open book rather than double counting signals.
	second, err := f.orch.RunCycle(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Submitted+second.Blocked)

	require.NoError(t, f.store.VerifyChain(ctx, 0))
}
