package execution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/b1e55ed/engine/pkg/config"
	"github.com/b1e55ed/engine/pkg/marketdata"
)

const paperVenue = "paper"

// OpenRequest describes one position to open.
type OpenRequest struct {
	Symbol         string
	Direction      string // long | short
	SizeUSD        float64
	Leverage       float64
	IdempotencyKey string
	ConvictionID   string
	RegimeAtEntry  string
	PCSAtEntry     float64
	CTSAtEntry     float64
}

// PaperBroker simulates fills against live mark prices. Orders, positions,
// and the cash balance live in the engine database so restarts and the API
// see the same book.
type PaperBroker struct {
	mu     sync.Mutex
	db     *sql.DB
	prices marketdata.PriceSource
	cfg    config.Execution
	log    *slog.Logger
}

// NewPaperBroker seeds the starting balance on first use.
func NewPaperBroker(ctx context.Context, db *sql.DB, prices marketdata.PriceSource, cfg config.Execution, log *slog.Logger) (*PaperBroker, error) {
	if log == nil {
		log = slog.Default()
	}
	b := &PaperBroker{db: db, prices: prices, cfg: cfg, log: log}

	_, err := db.ExecContext(ctx,
		`INSERT INTO balances (venue, asset, total, available, updated_at)
		 VALUES (?, 'USD', ?, ?, ?)
		 ON CONFLICT (venue, asset) DO NOTHING`,
		paperVenue, cfg.PaperStartBalance, cfg.PaperStartBalance, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("execution: seed paper balance: %w", err)
	}
	return b, nil
}

// slippedPrice applies configured slippage against the taker.
func (b *PaperBroker) slippedPrice(mark float64, side string) float64 {
	slip := b.cfg.SlippageBps / 10_000
	if side == "buy" {
		return mark * (1 + slip)
	}
	return mark * (1 - slip)
}

func entrySide(direction string) string {
	if direction == "short" {
		return "sell"
	}
	return "buy"
}

func exitSide(direction string) string {
	if direction == "short" {
		return "buy"
	}
	return "sell"
}

// OpenPosition fills an entry order at the slipped mark. Reusing an
// idempotency key returns the original fill when the parameters match and
// ErrIdempotencyReuse when they do not.
func (b *PaperBroker) OpenPosition(ctx context.Context, req OpenRequest) (*Fill, *Position, error) {
	if req.IdempotencyKey == "" {
		return nil, nil, errors.New("execution: idempotency key required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if fill, pos, err := b.priorFill(ctx, req.IdempotencyKey, req.Symbol, entrySide(req.Direction), req.SizeUSD); err != nil {
		return nil, nil, err
	} else if fill != nil {
		return fill, pos, nil
	}

	mark, err := b.prices.Mark(ctx, req.Symbol)
	if err != nil {
		return nil, nil, err
	}
	side := entrySide(req.Direction)
	price := b.slippedPrice(mark, side)
	fee := req.SizeUSD * b.cfg.FeeRate
	now := time.Now().UTC()

	leverage := req.Leverage
	if leverage < 1 {
		leverage = 1
	}
	margin := req.SizeUSD / leverage

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("execution: begin open: %w", err)
	}
	defer tx.Rollback()

	var available float64
	if err := tx.QueryRowContext(ctx,
		`SELECT available FROM balances WHERE venue = ? AND asset = 'USD'`, paperVenue).Scan(&available); err != nil {
		return nil, nil, fmt.Errorf("execution: read balance: %w", err)
	}
	if available < margin+fee {
		return nil, nil, fmt.Errorf("execution: insufficient balance: need $%.2f, have $%.2f", margin+fee, available)
	}

	pos := &Position{
		ID:            uuid.NewString(),
		Venue:         paperVenue,
		Symbol:        req.Symbol,
		Direction:     req.Direction,
		EntryPrice:    price,
		SizeUSD:       req.SizeUSD,
		Leverage:      leverage,
		OpenedAt:      now,
		Status:        "open",
		ConvictionID:  req.ConvictionID,
		RegimeAtEntry: req.RegimeAtEntry,
		PCSAtEntry:    req.PCSAtEntry,
		CTSAtEntry:    req.CTSAtEntry,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO positions (id, platform, asset, direction, entry_price, size_notional, leverage,
			opened_at, status, conviction_id, regime_at_entry, pcs_at_entry, cts_at_entry)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'open', ?, ?, ?, ?)`,
		pos.ID, paperVenue, pos.Symbol, pos.Direction, pos.EntryPrice, pos.SizeUSD, pos.Leverage,
		now.Format(time.RFC3339Nano), pos.ConvictionID, pos.RegimeAtEntry, pos.PCSAtEntry, pos.CTSAtEntry); err != nil {
		return nil, nil, fmt.Errorf("execution: insert position: %w", err)
	}

	fill := &Fill{
		OrderID:    uuid.NewString(),
		PositionID: pos.ID,
		Symbol:     req.Symbol,
		Side:       side,
		Price:      price,
		SizeUSD:    req.SizeUSD,
		FeeUSD:     fee,
		FilledAt:   now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO orders (id, position_id, venue, type, side, symbol, size, fill_price, fill_size,
			status, idempotency_key, created_at, filled_at)
		 VALUES (?, ?, ?, 'market', ?, ?, ?, ?, ?, 'filled', ?, ?, ?)`,
		fill.OrderID, pos.ID, paperVenue, side, req.Symbol, req.SizeUSD, price, req.SizeUSD,
		req.IdempotencyKey, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)); err != nil {
		return nil, nil, fmt.Errorf("execution: insert order: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE balances SET available = available - ?, total = total - ?, updated_at = ?
		 WHERE venue = ? AND asset = 'USD'`,
		margin+fee, fee, now.Format(time.RFC3339Nano), paperVenue); err != nil {
		return nil, nil, fmt.Errorf("execution: debit balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("execution: commit open: %w", err)
	}
	b.log.Info("paper fill", "side", side, "symbol", req.Symbol, "price", price, "size_usd", req.SizeUSD, "fee_usd", fee)
	return fill, pos, nil
}

// ClosePosition fills the exit order and realizes P&L. Closing an already
// closed position is an error, not a no-op.
func (b *PaperBroker) ClosePosition(ctx context.Context, positionID, idempotencyKey string) (*Fill, float64, error) {
	if idempotencyKey == "" {
		return nil, 0, errors.New("execution: idempotency key required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, err := b.getPosition(ctx, positionID)
	if err != nil {
		return nil, 0, err
	}

	if fill, _, err := b.priorFill(ctx, idempotencyKey, pos.Symbol, exitSide(pos.Direction), pos.SizeUSD); err != nil {
		return nil, 0, err
	} else if fill != nil {
		if pos.Status != "closed" || pos.RealizedPnL == nil {
			return nil, 0, fmt.Errorf("execution: close order exists but position %s not closed", positionID)
		}
		return fill, *pos.RealizedPnL, nil
	}

	if pos.Status != "open" {
		return nil, 0, fmt.Errorf("%w: %s", ErrPositionClosed, positionID)
	}

	mark, err := b.prices.Mark(ctx, pos.Symbol)
	if err != nil {
		return nil, 0, err
	}
	side := exitSide(pos.Direction)
	price := b.slippedPrice(mark, side)
	fee := pos.SizeUSD * b.cfg.FeeRate
	realized := RealizedPnL(pos.Direction, pos.EntryPrice, price, pos.SizeUSD) - fee
	now := time.Now().UTC()
	margin := pos.SizeUSD / pos.Leverage

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("execution: begin close: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE positions SET status = 'closed', closed_at = ?, realized_pnl = ? WHERE id = ? AND status = 'open'`,
		now.Format(time.RFC3339Nano), realized, positionID); err != nil {
		return nil, 0, fmt.Errorf("execution: close position: %w", err)
	}

	fill := &Fill{
		OrderID:    uuid.NewString(),
		PositionID: positionID,
		Symbol:     pos.Symbol,
		Side:       side,
		Price:      price,
		SizeUSD:    pos.SizeUSD,
		FeeUSD:     fee,
		FilledAt:   now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO orders (id, position_id, venue, type, side, symbol, size, fill_price, fill_size,
			status, idempotency_key, created_at, filled_at)
		 VALUES (?, ?, ?, 'market', ?, ?, ?, ?, ?, 'filled', ?, ?, ?)`,
		fill.OrderID, positionID, paperVenue, side, pos.Symbol, pos.SizeUSD, price, pos.SizeUSD,
		idempotencyKey, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)); err != nil {
		return nil, 0, fmt.Errorf("execution: insert close order: %w", err)
	}

	// Margin returns plus realized P&L (fee already netted out of realized).
	if _, err := tx.ExecContext(ctx,
		`UPDATE balances SET available = available + ?, total = total + ?, updated_at = ?
		 WHERE venue = ? AND asset = 'USD'`,
		margin+realized, realized, now.Format(time.RFC3339Nano), paperVenue); err != nil {
		return nil, 0, fmt.Errorf("execution: credit balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("execution: commit close: %w", err)
	}
	b.log.Info("paper close", "symbol", pos.Symbol, "price", price, "realized_pnl", realized)
	return fill, realized, nil
}

// priorFill looks up an order by idempotency key and checks the replayed
// parameters against the stored ones.
func (b *PaperBroker) priorFill(ctx context.Context, key, symbol, side string, sizeUSD float64) (*Fill, *Position, error) {
	var (
		fill      Fill
		gotSymbol string
		gotSide   string
		filledAt  string
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT id, position_id, symbol, side, fill_price, fill_size, filled_at
		 FROM orders WHERE idempotency_key = ?`, key).
		Scan(&fill.OrderID, &fill.PositionID, &gotSymbol, &gotSide, &fill.Price, &fill.SizeUSD, &filledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("execution: idempotency lookup: %w", err)
	}
	if gotSymbol != symbol || gotSide != side || math.Abs(fill.SizeUSD-sizeUSD) > 1e-9 {
		return nil, nil, fmt.Errorf("%w: key %s", ErrIdempotencyReuse, key)
	}
	fill.Symbol = gotSymbol
	fill.Side = gotSide
	if ts, perr := time.Parse(time.RFC3339Nano, filledAt); perr == nil {
		fill.FilledAt = ts
	}
	fill.FeeUSD = fill.SizeUSD * b.cfg.FeeRate

	pos, err := b.getPosition(ctx, fill.PositionID)
	if err != nil {
		return nil, nil, err
	}
	return &fill, pos, nil
}

func (b *PaperBroker) getPosition(ctx context.Context, id string) (*Position, error) {
	var (
		pos      Position
		openedAt string
		closedAt sql.NullString
		realized sql.NullFloat64
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT id, platform, asset, direction, entry_price, size_notional, leverage, opened_at,
			closed_at, status, realized_pnl, COALESCE(conviction_id, ''), COALESCE(regime_at_entry, ''),
			COALESCE(pcs_at_entry, 0), COALESCE(cts_at_entry, 0)
		 FROM positions WHERE id = ?`, id).
		Scan(&pos.ID, &pos.Venue, &pos.Symbol, &pos.Direction, &pos.EntryPrice, &pos.SizeUSD,
			&pos.Leverage, &openedAt, &closedAt, &pos.Status, &realized,
			&pos.ConvictionID, &pos.RegimeAtEntry, &pos.PCSAtEntry, &pos.CTSAtEntry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("execution: load position: %w", err)
	}
	if ts, perr := time.Parse(time.RFC3339Nano, openedAt); perr == nil {
		pos.OpenedAt = ts
	}
	if closedAt.Valid {
		if ts, perr := time.Parse(time.RFC3339Nano, closedAt.String); perr == nil {
			pos.ClosedAt = &ts
		}
	}
	if realized.Valid {
		pos.RealizedPnL = &realized.Float64
	}
	return &pos, nil
}

// OpenPositions lists the open book.
func (b *PaperBroker) OpenPositions(ctx context.Context) ([]*Position, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id FROM positions WHERE status = 'open' ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("execution: list positions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Position, 0, len(ids))
	for _, id := range ids {
		pos, err := b.getPosition(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, nil
}
