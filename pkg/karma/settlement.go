package karma

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/b1e55ed/engine/pkg/canonicalize"
	"github.com/b1e55ed/engine/pkg/events"
	"github.com/b1e55ed/engine/pkg/journal"
)

// Settlement is one signed batch of settled intents.
type Settlement struct {
	ID                string   `json:"id"`
	BatchID           string   `json:"batch_id"`
	IntentIDs         []string `json:"intent_ids"`
	TotalUSD          float64  `json:"total_usd"`
	DestinationWallet string   `json:"destination_wallet"`
	NodeID            string   `json:"node_id"`
	CreatedAt         string   `json:"created_at"`
	Signature         string   `json:"signature,omitempty"`
}

// Settler batches pending intents into settlements. The destination wallet
// is governed: once anything has been settled, it can only change through a
// journaled wallet migration.
type Settler struct {
	engine *Engine
	wallet string
}

// NewSettler resolves the governed destination: the latest wallet migration
// event wins over the configured treasury address.
func NewSettler(ctx context.Context, engine *Engine) (*Settler, error) {
	s := &Settler{engine: engine, wallet: engine.cfg.TreasuryAddress}

	last, err := engine.store.Query(ctx, journal.Filter{
		Types:      []events.Type{events.KarmaWalletMigrationV1},
		Descending: true,
		Limit:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("karma: load wallet migrations: %w", err)
	}
	if len(last) == 1 {
		if w, ok := last[0].Payload["new_wallet"].(string); ok && w != "" {
			s.wallet = w
		}
	}
	return s, nil
}

// Wallet returns the governed destination.
func (s *Settler) Wallet() string { return s.wallet }

// MigrateWallet journals the destination change and adopts it.
func (s *Settler) MigrateWallet(ctx context.Context, newWallet, actor, reason string) error {
	if newWallet == "" {
		return errors.New("karma: empty destination wallet")
	}
	if _, err := s.engine.store.Append(ctx, events.Draft{
		Type: events.KarmaWalletMigrationV1,
		Payload: map[string]interface{}{
			"old_wallet": s.wallet,
			"new_wallet": newWallet,
			"actor":      actor,
			"reason":     reason,
		},
		Source: "karma",
	}); err != nil {
		return fmt.Errorf("karma: journal wallet migration: %w", err)
	}
	s.wallet = newWallet
	return nil
}

func (s *Settler) hasSettlements(ctx context.Context) (bool, error) {
	var n int
	if err := s.engine.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM karma_settlements`).Scan(&n); err != nil {
		return false, fmt.Errorf("karma: count settlements: %w", err)
	}
	return n > 0, nil
}

// Settle batches every pending intent to the governed wallet. Passing a
// destination other than the governed one fails with ErrWalletLocked once a
// first settlement exists; before that the override is adopted.
func (s *Settler) Settle(ctx context.Context, destination string) (*Settlement, error) {
	if destination != "" && destination != s.wallet {
		settled, err := s.hasSettlements(ctx)
		if err != nil {
			return nil, err
		}
		if settled {
			return nil, ErrWalletLocked
		}
		s.wallet = destination
	}
	if s.wallet == "" {
		return nil, errors.New("karma: no destination wallet configured")
	}

	rows, err := s.engine.db.QueryContext(ctx,
		`SELECT id, amount_usd FROM karma_intents WHERE settled = 0 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("karma: list pending intents: %w", err)
	}
	defer rows.Close()

	var (
		ids   []string
		total float64
	)
	for rows.Next() {
		var id string
		var amount float64
		if err := rows.Scan(&id, &amount); err != nil {
			return nil, err
		}
		ids = append(ids, id)
		total += amount
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	settlement := Settlement{
		ID:                uuid.NewString(),
		BatchID:           uuid.NewString(),
		IntentIDs:         ids,
		TotalUSD:          total,
		DestinationWallet: s.wallet,
		NodeID:            s.engine.ident.NodeID,
		CreatedAt:         time.Now().UTC().Format(time.RFC3339Nano),
	}
	sig, err := s.engine.sign(settlement)
	if err != nil {
		return nil, err
	}
	settlement.Signature = sig

	tx, err := s.engine.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("karma: begin settle: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO karma_settlements (id, batch_id, intent_ids, total_usd, destination_wallet, status, signature, created_at)
		 VALUES (?, ?, ?, ?, ?, 'settled', ?, ?)`,
		settlement.ID, settlement.BatchID, strings.Join(ids, ","), total, s.wallet,
		settlement.Signature, settlement.CreatedAt); err != nil {
		return nil, fmt.Errorf("karma: insert settlement: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE karma_intents SET settled = 1, batch_id = ? WHERE id = ?`,
			settlement.BatchID, id); err != nil {
			return nil, fmt.Errorf("karma: mark intent settled: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("karma: commit settle: %w", err)
	}

	payload, err := events.ToMap(settlement)
	if err != nil {
		return nil, err
	}
	if _, err := s.engine.store.Append(ctx, events.Draft{
		Type:    events.KarmaSettlementV1,
		Payload: payload,
		Source:  "karma",
	}); err != nil {
		return nil, fmt.Errorf("karma: journal settlement: %w", err)
	}

	receipt := map[string]interface{}{
		"settlement_id": settlement.ID,
		"batch_id":      settlement.BatchID,
		"total_usd":     total,
		"destination":   s.wallet,
		"node_id":       s.engine.ident.NodeID,
	}
	receiptBytes, err := canonicalize.JCS(receipt)
	if err != nil {
		return nil, err
	}
	receipt["signature"] = s.engine.ident.Sign(receiptBytes)
	if _, err := s.engine.store.Append(ctx, events.Draft{
		Type:    events.KarmaReceiptV1,
		Payload: receipt,
		Source:  "karma",
	}); err != nil {
		return nil, fmt.Errorf("karma: journal receipt: %w", err)
	}

	s.engine.log.Info("karma settled", "batch_id", settlement.BatchID, "total_usd", total, "intents", len(ids))
	return &settlement, nil
}

// MaybeSettle applies the configured settlement cadence. Manual mode never
// auto-settles.
func (s *Settler) MaybeSettle(ctx context.Context, now time.Time) (*Settlement, error) {
	switch s.engine.cfg.SettlementMode {
	case "manual", "":
		return nil, nil
	case "threshold":
		pending, err := s.engine.PendingTotal(ctx)
		if err != nil {
			return nil, err
		}
		if pending < s.engine.cfg.ThresholdUSD {
			return nil, nil
		}
		return s.Settle(ctx, "")
	case "daily", "weekly":
		period := 24 * time.Hour
		if s.engine.cfg.SettlementMode == "weekly" {
			period = 7 * 24 * time.Hour
		}
		var lastStr sql.NullString
		if err := s.engine.db.QueryRowContext(ctx,
			`SELECT MAX(created_at) FROM karma_settlements`).Scan(&lastStr); err != nil {
			return nil, fmt.Errorf("karma: last settlement: %w", err)
		}
		if lastStr.Valid {
			last, err := time.Parse(time.RFC3339Nano, lastStr.String)
			if err == nil && now.Sub(last) < period {
				return nil, nil
			}
		}
		return s.Settle(ctx, "")
	default:
		return nil, fmt.Errorf("karma: unknown settlement mode %q", s.engine.cfg.SettlementMode)
	}
}
