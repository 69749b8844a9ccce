// Package karma sets aside a fixed share of realized profit and settles it
// to the treasury in signed batches. The whole package is fail-open toward
// execution: a karma problem is logged, never propagated into the trade path.
package karma

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/b1e55ed/engine/pkg/canonicalize"
	"github.com/b1e55ed/engine/pkg/config"
	"github.com/b1e55ed/engine/pkg/events"
	"github.com/b1e55ed/engine/pkg/identity"
	"github.com/b1e55ed/engine/pkg/journal"
)

var ErrWalletLocked = errors.New("karma: destination change requires a wallet migration event")

// Intent is one pending karma obligation.
type Intent struct {
	ID             string  `json:"id"`
	TradeID        string  `json:"trade_id"`
	RealizedPnLUSD float64 `json:"realized_pnl_usd"`
	Percentage     float64 `json:"percentage"`
	AmountUSD      float64 `json:"amount_usd"`
	NodeID         string  `json:"node_id"`
	CreatedAt      string  `json:"created_at"`
	Signature      string  `json:"signature,omitempty"`
}

// Engine records intents as profitable trades close. It implements the
// execution settlement hook.
type Engine struct {
	db    *sql.DB
	store journal.Store
	ident *identity.NodeIdentity
	cfg   config.Karma
	log   *slog.Logger
}

func NewEngine(db *sql.DB, store journal.Store, ident *identity.NodeIdentity, cfg config.Karma, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{db: db, store: store, ident: ident, cfg: cfg, log: log}
}

// OnPositionClosed records a karma intent for profitable closes. Losses and
// breakeven closes produce nothing. All failures are swallowed after logging.
func (e *Engine) OnPositionClosed(ctx context.Context, positionID string, realizedPnL float64) {
	if !e.cfg.Enabled || realizedPnL <= 0 {
		return
	}
	if err := e.recordIntent(ctx, positionID, realizedPnL); err != nil {
		e.log.Error("karma intent failed", "position_id", positionID, "error", err)
	}
}

func (e *Engine) recordIntent(ctx context.Context, tradeID string, realizedPnL float64) error {
	intent := Intent{
		ID:             uuid.NewString(),
		TradeID:        tradeID,
		RealizedPnLUSD: realizedPnL,
		Percentage:     e.cfg.Percentage,
		AmountUSD:      realizedPnL * e.cfg.Percentage,
		NodeID:         e.ident.NodeID,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}

	// Sign the canonical form without the signature field.
	sig, err := e.sign(intent)
	if err != nil {
		return err
	}
	intent.Signature = sig

	if _, err := e.db.ExecContext(ctx,
		`INSERT INTO karma_intents (id, trade_id, realized_pnl_usd, percentage, amount_usd, node_id, signature, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.ID, intent.TradeID, intent.RealizedPnLUSD, intent.Percentage, intent.AmountUSD,
		intent.NodeID, intent.Signature, intent.CreatedAt); err != nil {
		return fmt.Errorf("karma: insert intent: %w", err)
	}

	payload, err := events.ToMap(intent)
	if err != nil {
		return err
	}
	if _, err := e.store.Append(ctx, events.Draft{
		Type:    events.KarmaIntentV1,
		Payload: payload,
		Source:  "karma",
	}); err != nil {
		return fmt.Errorf("karma: journal intent: %w", err)
	}

	e.log.Info("karma intent recorded", "trade_id", tradeID, "amount_usd", intent.AmountUSD)
	return nil
}

func (e *Engine) sign(v interface{}) (string, error) {
	m, err := events.ToMap(v)
	if err != nil {
		return "", err
	}
	delete(m, "signature")
	canonical, err := canonicalize.JCS(m)
	if err != nil {
		return "", fmt.Errorf("karma: canonicalize: %w", err)
	}
	return e.ident.Sign(canonical), nil
}

// VerifyIntent checks an intent signature against its node's public key.
func VerifyIntent(intent Intent, pubHex string) (bool, error) {
	sig := intent.Signature
	intent.Signature = ""
	m, err := events.ToMap(intent)
	if err != nil {
		return false, err
	}
	delete(m, "signature")
	canonical, err := canonicalize.JCS(m)
	if err != nil {
		return false, err
	}
	return identity.Verify(pubHex, sig, canonical)
}

// PendingTotal sums unsettled intent amounts.
func (e *Engine) PendingTotal(ctx context.Context) (float64, error) {
	var total sql.NullFloat64
	err := e.db.QueryRowContext(ctx,
		`SELECT SUM(amount_usd) FROM karma_intents WHERE settled = 0`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("karma: pending total: %w", err)
	}
	return total.Float64, nil
}
