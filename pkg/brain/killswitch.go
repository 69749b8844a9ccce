package brain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/b1e55ed/engine/pkg/events"
	"github.com/b1e55ed/engine/pkg/journal"
)

// KillLevel is the safety escalation level. Auto-escalation is monotonically
// non-decreasing; only a manual reset lowers the level.
type KillLevel int

const (
	KillSafe KillLevel = iota
	KillCaution
	KillDefensive
	KillLockdown
	KillEmergency
	KillShutdown
)

func (l KillLevel) String() string {
	switch l {
	case KillSafe:
		return "SAFE"
	case KillCaution:
		return "CAUTION"
	case KillDefensive:
		return "DEFENSIVE"
	case KillLockdown:
		return "LOCKDOWN"
	case KillEmergency:
		return "EMERGENCY"
	case KillShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("KillLevel(%d)", int(l))
	}
}

// KillInputs are the numeric risk indicators evaluated each cycle.
type KillInputs struct {
	DailyLossPct     float64
	PortfolioHeatPct float64
	CrisisVotes      int
	DrawdownPct      float64
}

// KillThresholds mirror the kill_switch config section.
type KillThresholds struct {
	L1DailyLossPct     float64
	L2PortfolioHeatPct float64
	L3CrisisThreshold  int
	L4MaxDrawdownPct   float64
}

// KillSwitch is the process-shared safety gate. State changes are always
// materialized as system.kill_switch.v1 events; construction rehydrates from
// the most recent one so restarts do not silently reset.
type KillSwitch struct {
	mu         sync.RWMutex
	level      KillLevel
	store      journal.Store
	thresholds KillThresholds
	log        *slog.Logger
}

// NewKillSwitch rehydrates the current level from the journal.
func NewKillSwitch(ctx context.Context, store journal.Store, thresholds KillThresholds, log *slog.Logger) (*KillSwitch, error) {
	if log == nil {
		log = slog.Default()
	}
	k := &KillSwitch{store: store, thresholds: thresholds, log: log}

	last, err := store.Query(ctx, journal.Filter{
		Types:      []events.Type{events.SystemKillSwitchV1},
		Descending: true,
		Limit:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("brain: rehydrate kill switch: %w", err)
	}
	if len(last) == 1 {
		if lvl, ok := last[0].Payload["level"].(float64); ok {
			k.level = KillLevel(int(lvl))
		}
	}
	return k, nil
}

// Level returns the current escalation level.
func (k *KillSwitch) Level() KillLevel {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.level
}

// CanOpenNewPositions is true strictly below DEFENSIVE.
func (k *KillSwitch) CanOpenNewPositions() bool { return k.Level() < KillDefensive }

// CanTrade is true strictly below SHUTDOWN.
func (k *KillSwitch) CanTrade() bool { return k.Level() < KillShutdown }

// Evaluate applies the auto-escalation rules. The resulting level is
// max(current, any triggered rule); it never decreases here.
func (k *KillSwitch) Evaluate(ctx context.Context, in KillInputs) (KillLevel, error) {
	target := KillSafe
	reason := ""

	if in.DailyLossPct >= k.thresholds.L1DailyLossPct && k.thresholds.L1DailyLossPct > 0 {
		target = KillDefensive
		reason = fmt.Sprintf("daily loss %.2f%% >= limit %.2f%%", in.DailyLossPct*100, k.thresholds.L1DailyLossPct*100)
	}
	if in.PortfolioHeatPct >= k.thresholds.L2PortfolioHeatPct && k.thresholds.L2PortfolioHeatPct > 0 && target < KillLockdown {
		target = KillLockdown
		reason = fmt.Sprintf("portfolio heat %.2f%% >= limit %.2f%%", in.PortfolioHeatPct*100, k.thresholds.L2PortfolioHeatPct*100)
	}
	if in.CrisisVotes >= k.thresholds.L3CrisisThreshold && k.thresholds.L3CrisisThreshold > 0 && target < KillLockdown {
		target = KillLockdown
		reason = fmt.Sprintf("crisis votes %d >= threshold %d", in.CrisisVotes, k.thresholds.L3CrisisThreshold)
	}
	if in.DrawdownPct >= k.thresholds.L4MaxDrawdownPct && k.thresholds.L4MaxDrawdownPct > 0 && target < KillEmergency {
		target = KillEmergency
		reason = fmt.Sprintf("drawdown %.2f%% >= limit %.2f%%", in.DrawdownPct*100, k.thresholds.L4MaxDrawdownPct*100)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if target <= k.level {
		return k.level, nil
	}
	if err := k.transition(ctx, target, reason, true, "system"); err != nil {
		return k.level, err
	}
	return k.level, nil
}

// Escalate manually raises the level. Lower-or-equal targets are ignored.
func (k *KillSwitch) Escalate(ctx context.Context, target KillLevel, reason, actor string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if target <= k.level {
		return nil
	}
	return k.transition(ctx, target, reason, false, actor)
}

// Reset lowers the level manually. The reset itself is journaled so a restart
// rehydrates the post-reset level rather than the last escalation.
func (k *KillSwitch) Reset(ctx context.Context, target KillLevel, reason, actor string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if target >= k.level {
		return fmt.Errorf("brain: reset target %s not below current %s", target, k.level)
	}
	return k.transition(ctx, target, reason, false, actor)
}

// transition appends the state-change event and updates the in-memory level.
// Callers hold k.mu.
func (k *KillSwitch) transition(ctx context.Context, target KillLevel, reason string, auto bool, actor string) error {
	payload, err := events.ToMap(events.KillSwitchPayload{
		Level:         int(target),
		PreviousLevel: int(k.level),
		Reason:        reason,
		Auto:          auto,
		Actor:         actor,
	})
	if err != nil {
		return err
	}
	if _, err := k.store.Append(ctx, events.Draft{
		Type:    events.SystemKillSwitchV1,
		Payload: payload,
		Source:  "kill_switch",
	}); err != nil {
		return fmt.Errorf("brain: journal kill switch change: %w", err)
	}

	k.log.Warn("kill switch level change",
		"from", k.level.String(), "to", target.String(),
		"reason", reason, "auto", auto, "actor", actor)
	k.level = target
	return nil
}
