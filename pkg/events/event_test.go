package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeHashGenesisConvention(t *testing.T) {
	payload := map[string]interface{}{"symbol": "BTC", "rsi_14": 55.0}

	h1, err := ComputeHash("", SignalTAV1, payload)
	require.NoError(t, err)
	h2, err := ComputeHash("", SignalTAV1, payload)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	// A different prev hash must change the result.
	h3, err := ComputeHash(h1, SignalTAV1, payload)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestComputeHashKeyOrderInvariant(t *testing.T) {
	a := map[string]interface{}{"symbol": "BTC", "rsi_14": 55.0, "trend": "bullish"}
	b := map[string]interface{}{"trend": "bullish", "symbol": "BTC", "rsi_14": 55.0}

	ha, err := ComputeHash("prev", SignalTAV1, a)
	require.NoError(t, err)
	hb, err := ComputeHash("prev", SignalTAV1, b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestDedupeKeyContentStable(t *testing.T) {
	p := map[string]interface{}{"symbol": "BTC", "rsi_14": 55.0}
	k1, err := DedupeKey(SignalTAV1, p)
	require.NoError(t, err)
	k2, err := DedupeKey(SignalTAV1, map[string]interface{}{"rsi_14": 55.0, "symbol": "BTC"})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Contains(t, k1, string(SignalTAV1)+":")

	k3, err := DedupeKey(SignalTAV1, map[string]interface{}{"symbol": "ETH", "rsi_14": 55.0})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestPeriodicDedupeKey(t *testing.T) {
	ts := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	k := PeriodicDedupeKey(SignalTradFiV1, "tradfi_basis", "BTC", ts)
	assert.Equal(t, "signal.tradfi.v1:tradfi_basis:BTC:1769947200", k)
}

func TestKnownClosedSet(t *testing.T) {
	assert.True(t, Known(SignalTAV1))
	assert.True(t, Known(KarmaWalletMigrationV1))
	assert.False(t, Known(Type("signal.bogus.v1")))
	assert.Len(t, All(), 37)
}

func TestToMapOmitsAbsentOptionals(t *testing.T) {
	m, err := ToMap(TASignal{Symbol: "BTC", RSI14: F(55)})
	require.NoError(t, err)
	assert.Equal(t, "BTC", m["symbol"])
	assert.Equal(t, 55.0, m["rsi_14"])
	_, hasEMA := m["ema_20"]
	assert.False(t, hasEMA)
}
