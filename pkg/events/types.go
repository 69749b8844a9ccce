// Package events defines the closed set of event types, the immutable event
// envelope, and the typed payloads that flow through the journal.
//
// Type strings follow {category}.{domain}.{version}. The set is closed:
// producers and subsystems may only append types listed here.
package events

// Type is an event type identifier.
type Type string

// Signal events published by producers.
const (
	SignalTAV1         Type = "signal.ta.v1"
	SignalOnchainV1    Type = "signal.onchain.v1"
	SignalTradFiV1     Type = "signal.tradfi.v1"
	SignalSocialV1     Type = "signal.social.v1"
	SignalSentimentV1  Type = "signal.sentiment.v1"
	SignalEventsV1     Type = "signal.events.v1"
	SignalETFV1        Type = "signal.etf.v1"
	SignalStablecoinV1 Type = "signal.stablecoin.v1"
	SignalWhaleV1      Type = "signal.whale.v1"
	SignalOrderbookV1  Type = "signal.orderbook.v1"
	SignalCuratorV1    Type = "signal.curator.v1"
	SignalACIV1        Type = "signal.aci.v1"
	SignalPriceAlertV1 Type = "signal.price_alert.v1"
	SignalPriceWSV1    Type = "signal.price_ws.v1"
)

// Brain pipeline events.
const (
	BrainCycleV1           Type = "brain.cycle.v1"
	BrainConvictionV1      Type = "brain.conviction.v1"
	BrainSynthesisV1       Type = "brain.synthesis.v1"
	BrainRegimeChangeV1    Type = "brain.regime_change.v1"
	BrainFeatureSnapshotV1 Type = "brain.feature_snapshot.v1"
)

// Execution events.
const (
	ExecTradeIntentV1    Type = "execution.trade_intent.v1"
	ExecOrderSubmittedV1 Type = "execution.order_submitted.v1"
	ExecOrderFilledV1    Type = "execution.order_filled.v1"
	ExecOrderCanceledV1  Type = "execution.order_canceled.v1"
	ExecOrderFailedV1    Type = "execution.order_failed.v1"
	ExecPositionOpenedV1 Type = "execution.position_opened.v1"
	ExecPositionClosedV1 Type = "execution.position_closed.v1"
	ExecPositionUpdateV1 Type = "execution.position_updated.v1"
)

// System events.
const (
	SystemKillSwitchV1     Type = "system.kill_switch.v1"
	SystemBalanceUpdatedV1 Type = "system.balance_updated.v1"
	SystemAuditV1          Type = "system.audit.v1"
)

// Karma events.
const (
	KarmaIntentV1          Type = "karma.intent.v1"
	KarmaSettlementV1      Type = "karma.settlement.v1"
	KarmaReceiptV1         Type = "karma.receipt.v1"
	KarmaWalletMigrationV1 Type = "karma.wallet_migration.v1"
)

// Learning events.
const (
	LearningOutcomeV1          Type = "learning.outcome.v1"
	LearningWeightAdjustmentV1 Type = "learning.weight_adjustment.v1"
	LearningReportV1           Type = "learning.report.v1"
)

var knownTypes = map[Type]struct{}{
	SignalTAV1: {}, SignalOnchainV1: {}, SignalTradFiV1: {}, SignalSocialV1: {},
	SignalSentimentV1: {}, SignalEventsV1: {}, SignalETFV1: {}, SignalStablecoinV1: {},
	SignalWhaleV1: {}, SignalOrderbookV1: {}, SignalCuratorV1: {}, SignalACIV1: {},
	SignalPriceAlertV1: {}, SignalPriceWSV1: {},
	BrainCycleV1: {}, BrainConvictionV1: {}, BrainSynthesisV1: {},
	BrainRegimeChangeV1: {}, BrainFeatureSnapshotV1: {},
	ExecTradeIntentV1: {}, ExecOrderSubmittedV1: {}, ExecOrderFilledV1: {},
	ExecOrderCanceledV1: {}, ExecOrderFailedV1: {}, ExecPositionOpenedV1: {},
	ExecPositionClosedV1: {}, ExecPositionUpdateV1: {},
	SystemKillSwitchV1: {}, SystemBalanceUpdatedV1: {}, SystemAuditV1: {},
	KarmaIntentV1: {}, KarmaSettlementV1: {}, KarmaReceiptV1: {}, KarmaWalletMigrationV1: {},
	LearningOutcomeV1: {}, LearningWeightAdjustmentV1: {}, LearningReportV1: {},
}

// Known reports whether t belongs to the closed event type set.
func Known(t Type) bool {
	_, ok := knownTypes[t]
	return ok
}

// All returns every known event type. Order is unspecified.
func All() []Type {
	out := make([]Type, 0, len(knownTypes))
	for t := range knownTypes {
		out = append(out, t)
	}
	return out
}
