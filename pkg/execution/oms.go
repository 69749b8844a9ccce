package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/b1e55ed/engine/pkg/events"
	"github.com/b1e55ed/engine/pkg/journal"
)

// SettlementHook is notified after a position closes with realized P&L.
// Implementations must be fail-open: a settlement problem never unwinds or
// blocks the close.
type SettlementHook interface {
	OnPositionClosed(ctx context.Context, positionID string, realizedPnL float64)
}

// SubmitResult reports what happened to one intent.
type SubmitResult struct {
	Approved   bool
	Reasons    []string
	SizeUSD    float64
	PositionID string
	Fill       *Fill
}

// OMS runs the submit pipeline: size, preflight, fill, journal. Every
// outcome, including rejections, lands in the journal.
type OMS struct {
	store     journal.Store
	preflight *Preflight
	sizer     *Sizer
	broker    *PaperBroker
	tracker   *PnLTracker
	karma     SettlementHook
	log       *slog.Logger
}

func NewOMS(store journal.Store, pf *Preflight, sizer *Sizer, broker *PaperBroker, tracker *PnLTracker, karma SettlementHook, log *slog.Logger) *OMS {
	if log == nil {
		log = slog.Default()
	}
	return &OMS{store: store, preflight: pf, sizer: sizer, broker: broker, tracker: tracker, karma: karma, log: log}
}

// correlationTo estimates how correlated a new position is to the open book.
// Same-symbol exposure counts as fully correlated; any other crypto exposure
// as moderately correlated.
func correlationTo(open []*Position, symbol string) float64 {
	if len(open) == 0 {
		return 0
	}
	for _, p := range open {
		if p.Symbol == symbol {
			return 1
		}
	}
	return 0.3
}

// Submit takes a trade intent through sizing and preflight to a paper fill.
// The returned error covers infrastructure failures only; a risk rejection is
// a normal result with Approved=false.
func (o *OMS) Submit(ctx context.Context, intent *events.TradeIntentPayload, convictionID, traceID string) (*SubmitResult, error) {
	acct, err := o.tracker.Snapshot(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	open, err := o.broker.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	sizeUSD := o.sizer.Size(SizeInputs{
		Equity:          acct.Equity,
		ConvictionScore: intent.ConvictionScore,
		Correlation:     correlationTo(open, intent.Symbol),
		HeatPct:         acct.HeatPct(),
	})

	intentPayload, err := events.ToMap(intent)
	if err != nil {
		return nil, err
	}
	intentPayload["size_usd"] = sizeUSD
	intentEv, err := o.store.Append(ctx, events.Draft{
		Type:    events.ExecTradeIntentV1,
		Payload: intentPayload,
		Source:  "oms",
		TraceID: traceID,
	})
	if err != nil {
		return nil, fmt.Errorf("execution: journal intent: %w", err)
	}

	res := &SubmitResult{SizeUSD: sizeUSD}
	// The paper broker holds no gas; live adapters supply balances here.
	pre := o.preflight.Check(intent, acct, sizeUSD, nil)
	if sizeUSD <= 0 {
		pre.Approved = false
		pre.Reasons = append(pre.Reasons, "sized below minimum position")
	}
	if !pre.Approved {
		res.Reasons = pre.Reasons
		o.log.Info("intent rejected", "symbol", intent.Symbol, "reasons", pre.Reasons)
		_, err := o.store.Append(ctx, events.Draft{
			Type: events.ExecOrderFailedV1,
			Payload: map[string]interface{}{
				"intent_event_id": intentEv.ID,
				"symbol":          intent.Symbol,
				"approved":        false,
				"reasons":         pre.Reasons,
			},
			Source:  "oms",
			TraceID: traceID,
		})
		if err != nil {
			return nil, fmt.Errorf("execution: journal rejection: %w", err)
		}
		return res, nil
	}

	idempotencyKey := fmt.Sprintf("open:%s:%s", traceID, intent.Symbol)
	if _, err := o.store.Append(ctx, events.Draft{
		Type: events.ExecOrderSubmittedV1,
		Payload: map[string]interface{}{
			"intent_event_id": intentEv.ID,
			"symbol":          intent.Symbol,
			"direction":       intent.Direction,
			"size_usd":        sizeUSD,
			"idempotency_key": idempotencyKey,
		},
		Source:  "oms",
		TraceID: traceID,
	}); err != nil {
		return nil, fmt.Errorf("execution: journal submit: %w", err)
	}

	fill, pos, err := o.broker.OpenPosition(ctx, OpenRequest{
		Symbol:         intent.Symbol,
		Direction:      intent.Direction,
		SizeUSD:        sizeUSD,
		Leverage:       intent.Leverage,
		IdempotencyKey: idempotencyKey,
		ConvictionID:   convictionID,
		RegimeAtEntry:  intent.Regime,
	})
	if err != nil {
		if _, jerr := o.store.Append(ctx, events.Draft{
			Type: events.ExecOrderFailedV1,
			Payload: map[string]interface{}{
				"intent_event_id": intentEv.ID,
				"symbol":          intent.Symbol,
				"error":           err.Error(),
			},
			Source:  "oms",
			TraceID: traceID,
		}); jerr != nil {
			o.log.Error("journal fill failure", "error", jerr)
		}
		return nil, err
	}

	if _, err := o.store.Append(ctx, events.Draft{
		Type: events.ExecOrderFilledV1,
		Payload: map[string]interface{}{
			"order_id":    fill.OrderID,
			"position_id": pos.ID,
			"symbol":      fill.Symbol,
			"side":        fill.Side,
			"fill_price":  fill.Price,
			"size_usd":    fill.SizeUSD,
			"fee_usd":     fill.FeeUSD,
		},
		Source:  "oms",
		TraceID: traceID,
	}); err != nil {
		return nil, fmt.Errorf("execution: journal fill: %w", err)
	}
	if _, err := o.store.Append(ctx, events.Draft{
		Type: events.ExecPositionOpenedV1,
		Payload: map[string]interface{}{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
			"direction":   pos.Direction,
			"entry_price": pos.EntryPrice,
			"size_usd":    pos.SizeUSD,
			"leverage":    pos.Leverage,
			"regime":      pos.RegimeAtEntry,
		},
		Source:  "oms",
		TraceID: traceID,
	}); err != nil {
		return nil, fmt.Errorf("execution: journal position: %w", err)
	}

	res.Approved = true
	res.PositionID = pos.ID
	res.Fill = fill
	return res, nil
}

// Close exits a position, journals the close, and notifies settlement.
func (o *OMS) Close(ctx context.Context, positionID, reason, traceID string) (float64, error) {
	idempotencyKey := fmt.Sprintf("close:%s", positionID)
	fill, realized, err := o.broker.ClosePosition(ctx, positionID, idempotencyKey)
	if err != nil {
		return 0, err
	}

	if _, err := o.store.Append(ctx, events.Draft{
		Type: events.ExecPositionClosedV1,
		Payload: map[string]interface{}{
			"position_id":  positionID,
			"symbol":       fill.Symbol,
			"exit_price":   fill.Price,
			"realized_pnl": realized,
			"fee_usd":      fill.FeeUSD,
			"reason":       reason,
		},
		Source:  "oms",
		TraceID: traceID,
	}); err != nil {
		return realized, fmt.Errorf("execution: journal close: %w", err)
	}

	if o.karma != nil {
		o.karma.OnPositionClosed(ctx, positionID, realized)
	}
	return realized, nil
}
