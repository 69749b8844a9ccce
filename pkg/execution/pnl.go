package execution

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/b1e55ed/engine/pkg/marketdata"
)

// RealizedPnL for a closed position, before fees. Size is notional in USD,
// so the quantity is size/entry.
func RealizedPnL(direction string, entry, exit, sizeUSD float64) float64 {
	if entry <= 0 {
		return 0
	}
	qty := sizeUSD / entry
	if direction == "short" {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}

// UnrealizedPnL marks an open position against the current price.
func UnrealizedPnL(pos *Position, mark float64) float64 {
	return RealizedPnL(pos.Direction, pos.EntryPrice, mark, pos.SizeUSD)
}

// PnLTracker derives the account snapshot the brain and preflight consume.
// The peak-equity high-water mark is held in memory and re-seeds from current
// equity on restart, so drawdown measures the current run.
type PnLTracker struct {
	mu     sync.Mutex
	db     *sql.DB
	prices marketdata.PriceSource
	broker *PaperBroker
	peak   float64
}

func NewPnLTracker(db *sql.DB, prices marketdata.PriceSource, broker *PaperBroker) *PnLTracker {
	return &PnLTracker{db: db, prices: prices, broker: broker}
}

// Snapshot computes equity, heat, daily P&L, and drawdown.
func (t *PnLTracker) Snapshot(ctx context.Context, now time.Time) (Account, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var acct Account
	var total, available float64
	err := t.db.QueryRowContext(ctx,
		`SELECT total, available FROM balances WHERE venue = ? AND asset = 'USD'`, paperVenue).
		Scan(&total, &available)
	if err != nil {
		return acct, fmt.Errorf("execution: read balance: %w", err)
	}
	acct.Available = available

	open, err := t.broker.OpenPositions(ctx)
	if err != nil {
		return acct, err
	}

	var unrealized float64
	for _, pos := range open {
		acct.OpenNotional += pos.SizeUSD
		mark, err := t.prices.Mark(ctx, pos.Symbol)
		if err != nil {
			// A stale feed should not zero equity; mark at entry instead.
			continue
		}
		unrealized += UnrealizedPnL(pos, mark)
	}
	acct.Equity = total + unrealized

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var realizedToday sql.NullFloat64
	err = t.db.QueryRowContext(ctx,
		`SELECT SUM(realized_pnl) FROM positions WHERE status = 'closed' AND closed_at >= ?`,
		dayStart.Format(time.RFC3339Nano)).Scan(&realizedToday)
	if err != nil {
		return acct, fmt.Errorf("execution: daily pnl: %w", err)
	}
	acct.DailyPnL = realizedToday.Float64 + unrealized

	if t.peak == 0 || acct.Equity > t.peak {
		t.peak = acct.Equity
	}
	acct.PeakEquity = t.peak
	return acct, nil
}
