// Package learning closes the loop: closed positions are attributed back to
// the convictions that caused them, and domain weights are nudged toward
// whatever has actually been predictive, inside hard bounds.
package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/b1e55ed/engine/pkg/events"
	"github.com/b1e55ed/engine/pkg/journal"
)

var ErrNoConviction = errors.New("learning: position has no originating conviction")

// Outcome is one attributed close.
type Outcome struct {
	PositionID       string
	ConvictionID     string
	Symbol           string
	RealizedPnL      float64
	DirectionCorrect bool
	TimeHeldHours    float64
	RegimeAtEntry    string
	DomainScores     map[string]float64
	RecordedAt       time.Time
}

// Attributor joins closed positions back to conviction rows and the
// per-domain scores that were live at entry.
type Attributor struct {
	db    *sql.DB
	store journal.Store
	log   *slog.Logger
}

func NewAttributor(db *sql.DB, store journal.Store, log *slog.Logger) *Attributor {
	if log == nil {
		log = slog.Default()
	}
	return &Attributor{db: db, store: store, log: log}
}

// AttributeClose records the outcome of one closed position. Positions with
// no conviction id (manual trades) return ErrNoConviction.
func (a *Attributor) AttributeClose(ctx context.Context, positionID string) (*Outcome, error) {
	var (
		convictionID sql.NullString
		symbol       string
		realized     sql.NullFloat64
		regime       sql.NullString
		openedAt     string
		closedAt     sql.NullString
	)
	err := a.db.QueryRowContext(ctx,
		`SELECT conviction_id, asset, realized_pnl, regime_at_entry, opened_at, closed_at
		 FROM positions WHERE id = ? AND status = 'closed'`, positionID).
		Scan(&convictionID, &symbol, &realized, &regime, &openedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("learning: closed position %s not found", positionID)
	}
	if err != nil {
		return nil, fmt.Errorf("learning: load position: %w", err)
	}
	if !convictionID.Valid || convictionID.String == "" {
		return nil, ErrNoConviction
	}

	var cycleID string
	err = a.db.QueryRowContext(ctx,
		`SELECT cycle_id FROM conviction_scores WHERE id = ?`, convictionID.String).Scan(&cycleID)
	if err != nil {
		return nil, fmt.Errorf("learning: load conviction %s: %w", convictionID.String, err)
	}

	var domainScoresJSON string
	err = a.db.QueryRowContext(ctx,
		`SELECT domain_scores FROM conviction_log WHERE cycle_id = ? AND symbol = ?`,
		cycleID, symbol).Scan(&domainScoresJSON)
	if err != nil {
		return nil, fmt.Errorf("learning: load domain scores for cycle %s: %w", cycleID, err)
	}
	domainScores := make(map[string]float64)
	if err := json.Unmarshal([]byte(domainScoresJSON), &domainScores); err != nil {
		return nil, fmt.Errorf("learning: parse domain scores: %w", err)
	}

	out := &Outcome{
		PositionID:       positionID,
		ConvictionID:     convictionID.String,
		Symbol:           symbol,
		RealizedPnL:      realized.Float64,
		DirectionCorrect: realized.Float64 > 0,
		RegimeAtEntry:    regime.String,
		DomainScores:     domainScores,
		RecordedAt:       time.Now().UTC(),
	}
	if open, err := time.Parse(time.RFC3339Nano, openedAt); err == nil && closedAt.Valid {
		if closed, err := time.Parse(time.RFC3339Nano, closedAt.String); err == nil {
			out.TimeHeldHours = closed.Sub(open).Hours()
		}
	}

	if _, err := a.db.ExecContext(ctx,
		`INSERT INTO learning_outcomes (position_id, conviction_id, symbol, realized_pnl,
			direction_correct, time_held_hours, regime_at_entry, domain_scores, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (position_id) DO NOTHING`,
		out.PositionID, out.ConvictionID, out.Symbol, out.RealizedPnL,
		boolToInt(out.DirectionCorrect), out.TimeHeldHours, out.RegimeAtEntry,
		domainScoresJSON, out.RecordedAt.Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("learning: insert outcome: %w", err)
	}

	// Fold the outcome back into the conviction row for scoring history.
	if _, err := a.db.ExecContext(ctx,
		`UPDATE conviction_scores SET outcome = ?, outcome_ts = ? WHERE id = ?`,
		out.RealizedPnL, out.RecordedAt.Format(time.RFC3339Nano), out.ConvictionID); err != nil {
		return nil, fmt.Errorf("learning: update conviction outcome: %w", err)
	}

	if _, err := a.store.Append(ctx, events.Draft{
		Type: events.LearningOutcomeV1,
		Payload: map[string]interface{}{
			"position_id":       out.PositionID,
			"conviction_id":     out.ConvictionID,
			"symbol":            out.Symbol,
			"realized_pnl":      out.RealizedPnL,
			"direction_correct": out.DirectionCorrect,
			"time_held_hours":   out.TimeHeldHours,
			"regime_at_entry":   out.RegimeAtEntry,
			"domain_scores":     out.DomainScores,
		},
		Source: "learning",
	}); err != nil {
		return nil, fmt.Errorf("learning: journal outcome: %w", err)
	}

	a.log.Info("outcome attributed",
		"position_id", positionID, "realized_pnl", out.RealizedPnL, "correct", out.DirectionCorrect)
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
