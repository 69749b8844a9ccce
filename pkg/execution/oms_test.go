package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b1e55ed/engine/pkg/events"
	"github.com/b1e55ed/engine/pkg/journal"
)

type recordingHook struct {
	positionID string
	realized   float64
	calls      int
}

func (h *recordingHook) OnPositionClosed(_ context.Context, positionID string, realized float64) {
	h.positionID = positionID
	h.realized = realized
	h.calls++
}

func testOMS(t *testing.T) (*OMS, *recordingHook, *journal.SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	broker, prices, store := testBroker(t)
	require.NoError(t, prices.SetMark(ctx, "BTC", 50_000))

	pf, err := NewPreflight(baseRisk(), testExecConfig(), openGate())
	require.NoError(t, err)
	sizer := NewSizer(baseRisk(), testExecConfig())
	tracker := NewPnLTracker(store.DB(), prices, broker)
	hook := &recordingHook{}
	return NewOMS(store, pf, sizer, broker, tracker, hook, nil), hook, store
}

func eventTypes(t *testing.T, store *journal.SQLiteStore, types ...events.Type) []*events.Event {
	t.Helper()
	evs, err := store.Query(context.Background(), journal.Filter{Types: types})
	require.NoError(t, err)
	return evs
}

func TestSubmitOpensPosition(t *testing.T) {
	ctx := context.Background()
	oms, _, store := testOMS(t)

	res, err := oms.Submit(ctx, &events.TradeIntentPayload{
		Symbol: "BTC", Direction: "long", SizePct: 0.05, Leverage: 2,
		ConvictionScore: 80, Regime: "BULL",
	}, "conv-1", "cycle-1")
	require.NoError(t, err)

	assert.True(t, res.Approved)
	assert.NotEmpty(t, res.PositionID)
	assert.Positive(t, res.SizeUSD)
	require.NotNil(t, res.Fill)

	assert.Len(t, eventTypes(t, store, events.ExecTradeIntentV1), 1)
	assert.Len(t, eventTypes(t, store, events.ExecOrderSubmittedV1), 1)
	assert.Len(t, eventTypes(t, store, events.ExecOrderFilledV1), 1)
	assert.Len(t, eventTypes(t, store, events.ExecPositionOpenedV1), 1)
}

func TestSubmitRejectionIsJournaledNotFatal(t *testing.T) {
	ctx := context.Background()
	oms, _, store := testOMS(t)

	// 3x in a CRISIS regime fails the leverage cap.
	res, err := oms.Submit(ctx, &events.TradeIntentPayload{
		Symbol: "BTC", Direction: "long", SizePct: 0.05, Leverage: 3,
		ConvictionScore: 80, Regime: "CRISIS",
	}, "conv-1", "cycle-1")
	require.NoError(t, err)

	assert.False(t, res.Approved)
	assert.NotEmpty(t, res.Reasons)
	assert.Empty(t, res.PositionID)

	failed := eventTypes(t, store, events.ExecOrderFailedV1)
	require.Len(t, failed, 1)
	assert.Equal(t, false, failed[0].Payload["approved"])
	assert.Len(t, eventTypes(t, store, events.ExecPositionOpenedV1), 0)
}

func TestSubmitSameCycleCannotDoubleFill(t *testing.T) {
	ctx := context.Background()
	oms, _, store := testOMS(t)

	intent := &events.TradeIntentPayload{
		Symbol: "BTC", Direction: "long", SizePct: 0.05, Leverage: 2,
		ConvictionScore: 80, Regime: "BULL",
	}
	res1, err := oms.Submit(ctx, intent, "conv-1", "cycle-1")
	require.NoError(t, err)
	require.True(t, res1.Approved)

	// A replay in the same cycle re-sizes against the now-open book, so the
	// broker sees the same key with different parameters and refuses it.
	_, err = oms.Submit(ctx, intent, "conv-1", "cycle-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIdempotencyReuse)

	open := eventTypes(t, store, events.ExecPositionOpenedV1)
	assert.Len(t, open, 1)
}

func TestCloseNotifiesSettlement(t *testing.T) {
	ctx := context.Background()
	oms, hook, store := testOMS(t)

	res, err := oms.Submit(ctx, &events.TradeIntentPayload{
		Symbol: "BTC", Direction: "long", SizePct: 0.05, Leverage: 1,
		ConvictionScore: 80, Regime: "BULL",
	}, "conv-1", "cycle-1")
	require.NoError(t, err)
	require.True(t, res.Approved)

	realized, err := oms.Close(ctx, res.PositionID, "take profit", "cycle-2")
	require.NoError(t, err)

	assert.Equal(t, 1, hook.calls)
	assert.Equal(t, res.PositionID, hook.positionID)
	assert.InDelta(t, realized, hook.realized, 1e-9)

	closed := eventTypes(t, store, events.ExecPositionClosedV1)
	require.Len(t, closed, 1)
	assert.Equal(t, "take profit", closed[0].Payload["reason"])
}
