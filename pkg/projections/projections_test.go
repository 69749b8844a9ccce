package projections

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b1e55ed/engine/pkg/events"
)

func ev(id string, typ events.Type, ts time.Time, payload map[string]interface{}) *events.Event {
	return &events.Event{ID: id, Type: typ, TS: ts, Payload: payload}
}

func TestSignalsLatestKeepsNewestPerTypeAndSymbol(t *testing.T) {
	p := NewSignalsLatest()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	p.Handle(ev("a", events.SignalTAV1, base, map[string]interface{}{"symbol": "BTC", "rsi_14": 40.0}))
	p.Handle(ev("b", events.SignalTAV1, base.Add(time.Hour), map[string]interface{}{"symbol": "BTC", "rsi_14": 55.0}))
	// Out-of-order arrival must not regress the view.
	p.Handle(ev("c", events.SignalTAV1, base.Add(-time.Hour), map[string]interface{}{"symbol": "BTC", "rsi_14": 10.0}))
	p.Handle(ev("d", events.SignalOnchainV1, base, map[string]interface{}{"symbol": "btc", "whale_netflow": 80.0}))

	latest := p.Latest("BTC", events.SignalTAV1)
	require.NotNil(t, latest)
	assert.Equal(t, "b", latest.ID)

	// Symbol lookups are case-insensitive on the way in.
	assert.NotNil(t, p.Latest("BTC", events.SignalOnchainV1))
	assert.Nil(t, p.Latest("ETH", events.SignalTAV1))
}

func TestRegimeStateTracksHistory(t *testing.T) {
	p := NewRegimeState()
	base := time.Now().UTC()

	p.Handle(ev("r1", events.BrainRegimeChangeV1, base, map[string]interface{}{"regime": "BULL"}))
	p.Handle(ev("x", events.SignalTAV1, base, map[string]interface{}{"symbol": "BTC"}))
	p.Handle(ev("r2", events.BrainRegimeChangeV1, base.Add(time.Hour), map[string]interface{}{"regime": "CRISIS"}))

	require.NotNil(t, p.Current)
	assert.Equal(t, "CRISIS", p.Current.Regime)
	assert.Len(t, p.History, 2)
}

func TestPositionStateLifecycle(t *testing.T) {
	p := NewPositionState()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	p.Handle(ev("o", events.ExecPositionOpenedV1, base, map[string]interface{}{
		"position_id": "p1", "symbol": "BTC"}))
	p.Handle(ev("u", events.ExecPositionUpdateV1, base.Add(time.Hour), map[string]interface{}{
		"position_id": "p1"}))
	p.Handle(ev("c", events.ExecPositionClosedV1, base.Add(2*time.Hour), map[string]interface{}{
		"position_id": "p1", "symbol": "BTC", "realized_pnl": 12.5}))

	entry := p.Positions["p1"]
	require.NotNil(t, entry)
	assert.Equal(t, "closed", entry.Status)
	assert.Equal(t, "BTC", entry.Symbol)
	assert.NotEmpty(t, entry.OpenedAt)
	assert.NotEmpty(t, entry.ClosedAt)
}

func TestOutcomesRecordsClosedPositions(t *testing.T) {
	p := NewOutcomes()
	p.Handle(ev("c", events.ExecPositionClosedV1, time.Now().UTC(), map[string]interface{}{
		"position_id": "p1", "symbol": "ETH", "realized_pnl": -3.0, "exit_reason": "stop_loss"}))

	out := p.Closed["p1"]
	require.NotNil(t, out)
	assert.Equal(t, -3.0, out["realized_pnl"])
}

func TestManagerRebuildDeterminism(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var evs []*events.Event
	for i := 0; i < 20; i++ {
		evs = append(evs, ev(fmt.Sprintf("s%d", i), events.SignalTAV1, base.Add(time.Duration(i)*time.Minute),
			map[string]interface{}{"symbol": "BTC", "rsi_14": float64(i)}))
	}
	evs = append(evs,
		ev("r", events.BrainRegimeChangeV1, base.Add(time.Hour), map[string]interface{}{"regime": "BULL"}),
		ev("po", events.ExecPositionOpenedV1, base.Add(2*time.Hour), map[string]interface{}{"position_id": "p1", "symbol": "BTC"}),
		ev("pc", events.ExecPositionClosedV1, base.Add(3*time.Hour), map[string]interface{}{"position_id": "p1", "symbol": "BTC", "realized_pnl": 4.2}),
	)

	m1 := NewManager()
	m1.Rebuild(evs)
	m2 := NewManager()
	for _, e := range evs {
		m2.Handle(e)
	}

	j1, err := m1.StateJSON()
	require.NoError(t, err)
	j2, err := m2.StateJSON()
	require.NoError(t, err)
	assert.Equal(t, string(j1), string(j2))

	// Rebuilding twice from the same events is stable.
	m1.Rebuild(evs)
	j3, err := m1.StateJSON()
	require.NoError(t, err)
	assert.Equal(t, string(j1), string(j3))
}
