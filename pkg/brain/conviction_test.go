package brain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b1e55ed/engine/pkg/config"
)

func snapWith(score float64, features map[config.Domain]map[string]float64) *Snapshot {
	if features == nil {
		features = map[config.Domain]map[string]float64{}
	}
	return &Snapshot{
		CycleID:       "cycle-1",
		Symbol:        "BTC",
		TS:            time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
		Features:      features,
		DomainsUsed:   []string{"technical"},
		WeightedScore: score,
	}
}

func TestScoreNoCounterThesisBelowActivation(t *testing.T) {
	c, err := Score("cycle-1", "node-1", snapWith(0.70, map[config.Domain]map[string]float64{
		"technical": {"rsi_14": 85}, // would fire if CTS were active
	}), RegimeBull)
	require.NoError(t, err)
	assert.Equal(t, 70.0, c.PCS)
	assert.Zero(t, c.CTS)
	assert.Equal(t, 70.0, c.Final)
	assert.Equal(t, "long", c.Direction)
	assert.InDelta(t, 4.0, c.Magnitude, 1e-9)
}

func TestScoreCounterThesisPenalties(t *testing.T) {
	c, err := Score("cycle-1", "node-1", snapWith(0.90, map[config.Domain]map[string]float64{
		"technical": {"rsi_14": 75},
		"tradfi":    {"funding_annualized": 35, "basis_annualized": 9},
	}), RegimeBull)
	require.NoError(t, err)

	assert.Equal(t, 90.0, c.PCS)
	// 25 (rsi) + 25 (funding) + 20 (basis) + 10 (any fired) = 80
	assert.Equal(t, 80.0, c.CTS)
	assert.InDelta(t, 90*(1-80.0/200), c.Final, 1e-9)
}

func TestScoreCrisisPenaltyAndClamp(t *testing.T) {
	c, err := Score("cycle-1", "node-1", snapWith(0.95, map[config.Domain]map[string]float64{
		"technical": {"rsi_14": 75},
		"tradfi":    {"funding_annualized": 35, "basis_annualized": 9},
	}), RegimeCrisis)
	require.NoError(t, err)

	// 25+25+20+30+10 = 110, clamped to 100; final = pcs/2
	assert.Equal(t, 100.0, c.CTS)
	assert.InDelta(t, 47.5, c.Final, 1e-9)
	assert.Equal(t, "neutral", c.Direction)
}

func TestScoreDirectionBands(t *testing.T) {
	cases := []struct {
		score     float64
		direction string
	}{
		{0.56, "long"},
		{0.55, "long"},
		{0.50, "neutral"},
		{0.46, "neutral"},
		{0.45, "short"},
		{0.20, "short"},
	}
	for _, tc := range cases {
		c, err := Score("cycle-1", "node-1", snapWith(tc.score, nil), RegimeTransition)
		require.NoError(t, err)
		assert.Equal(t, tc.direction, c.Direction, "score %v", tc.score)
	}
}

func TestScorePCSClamped(t *testing.T) {
	c, err := Score("cycle-1", "node-1", snapWith(1.5, nil), RegimeBull)
	require.NoError(t, err)
	assert.Equal(t, 100.0, c.PCS)
	assert.Equal(t, 10.0, c.Magnitude)
}

func TestCommitmentHashDeterministicAndVerifiable(t *testing.T) {
	snap := snapWith(0.80, map[config.Domain]map[string]float64{
		"technical": {"rsi_14": 72},
	})

	c1, err := Score("cycle-1", "node-1", snap, RegimeBull)
	require.NoError(t, err)
	c2, err := Score("cycle-1", "node-1", snap, RegimeBull)
	require.NoError(t, err)

	assert.NotEmpty(t, c1.CommitmentHash)
	assert.Equal(t, c1.CommitmentHash, c2.CommitmentHash)

	ok, err := c1.VerifyCommitment()
	require.NoError(t, err)
	assert.True(t, ok)

	c1.Magnitude += 0.5
	ok, err = c1.VerifyCommitment()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEventPayloadIncludesCommitment(t *testing.T) {
	c, err := Score("cycle-1", "node-1", snapWith(0.80, nil), RegimeBull)
	require.NoError(t, err)

	payload, err := c.EventPayload()
	require.NoError(t, err)
	assert.Equal(t, c.CommitmentHash, payload["commitment_hash"])
	assert.Equal(t, "BTC", payload["symbol"])
}
