// Package scoring ranks signal contributors. The composite rewards accuracy
// first, then calibration, sustained volume, consistency, and recency.
package scoring

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/b1e55ed/engine/pkg/permissions"
)

const (
	// MinResolvedForHitRate gates the accuracy term: fewer resolved
	// signals than this and the term is zero, not optimistic.
	MinResolvedForHitRate = 5

	// Acceptance-rate collapse: spam that rarely clears validation scores
	// zero outright.
	acceptanceFloor       = 0.10
	acceptanceMinSubmits  = 10
	activityWindowDays    = 30
	volumeSaturationCount = 100
)

// Composite weights.
const (
	weightHitRate     = 0.35
	weightCalibration = 0.20
	weightVolume      = 0.20
	weightConsistency = 0.15
	weightRecency     = 0.10
)

var ErrContributorNotFound = errors.New("scoring: contributor not found")

// Contributor is one registered signal source.
type Contributor struct {
	ID          string
	NodeID      string
	Role        permissions.Role
	DisplayName string
	CreatedAt   time.Time
}

// Score is the composite breakdown for one contributor.
type Score struct {
	ContributorID string
	Composite     float64 // 0..100
	HitRate       float64
	Calibration   float64
	Volume        float64
	Consistency   float64
	Recency       float64
	Streak        int
	Submitted     int
	Accepted      int
	Resolved      int
}

// Registry persists contributors and their signal history.
type Registry struct {
	db *sql.DB
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Register creates a contributor. Roles outside the closed set are refused.
func (r *Registry) Register(ctx context.Context, nodeID string, role permissions.Role, displayName string) (*Contributor, error) {
	if !permissions.Valid(role) {
		return nil, fmt.Errorf("scoring: invalid role %q", role)
	}
	c := &Contributor{
		ID:          uuid.NewString(),
		NodeID:      nodeID,
		Role:        role,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO contributors (id, node_id, role, display_name, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.NodeID, string(c.Role), c.DisplayName, c.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("scoring: register contributor: %w", err)
	}
	return c, nil
}

// Get loads a contributor by id.
func (r *Registry) Get(ctx context.Context, id string) (*Contributor, error) {
	var c Contributor
	var role, createdAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, node_id, role, display_name, created_at FROM contributors WHERE id = ?`, id).
		Scan(&c.ID, &c.NodeID, &role, &c.DisplayName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrContributorNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scoring: load contributor: %w", err)
	}
	c.Role = permissions.Role(role)
	if ts, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		c.CreatedAt = ts
	}
	return &c, nil
}

// RecordSignal logs one submitted signal and its acceptance verdict. The
// score argument is the contributor's stated conviction on a 0..10 scale.
func (r *Registry) RecordSignal(ctx context.Context, eventID, contributorID, asset, direction string, score float64, accepted bool) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO contributor_signals (event_id, contributor_id, signal_asset, signal_direction, signal_score, accepted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		eventID, contributorID, asset, direction, score, boolInt(accepted),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("scoring: record signal: %w", err)
	}
	return nil
}

// ResolveSignal marks an accepted signal's outcome once known.
func (r *Registry) ResolveSignal(ctx context.Context, eventID string, profitable bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE contributor_signals SET profitable = ? WHERE event_id = ? AND accepted = 1`,
		boolInt(profitable), eventID)
	if err != nil {
		return fmt.Errorf("scoring: resolve signal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scoring: no accepted signal %s to resolve", eventID)
	}
	return nil
}

type signalRow struct {
	score      sql.NullFloat64
	accepted   bool
	profitable sql.NullBool
	createdAt  time.Time
}

func (r *Registry) signals(ctx context.Context, contributorID string) ([]signalRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT signal_score, accepted, profitable, created_at
		 FROM contributor_signals WHERE contributor_id = ? ORDER BY created_at`, contributorID)
	if err != nil {
		return nil, fmt.Errorf("scoring: load signals: %w", err)
	}
	defer rows.Close()

	var out []signalRow
	for rows.Next() {
		var s signalRow
		var accepted int
		var createdAt string
		if err := rows.Scan(&s.score, &accepted, &s.profitable, &createdAt); err != nil {
			return nil, err
		}
		s.accepted = accepted == 1
		if ts, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
			s.createdAt = ts
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ScoreContributor computes the composite for one contributor at now.
func (r *Registry) ScoreContributor(ctx context.Context, contributorID string, now time.Time) (*Score, error) {
	if _, err := r.Get(ctx, contributorID); err != nil {
		return nil, err
	}
	sigs, err := r.signals(ctx, contributorID)
	if err != nil {
		return nil, err
	}

	s := &Score{ContributorID: contributorID, Submitted: len(sigs)}

	var (
		resolved, hits int
		brierSum       float64
		brierN         int
		acceptedDays   = map[string]bool{}
		lastAccepted   time.Time
	)
	for _, sig := range sigs {
		if !sig.accepted {
			continue
		}
		s.Accepted++
		acceptedDays[sig.createdAt.UTC().Format("2006-01-02")] = true
		if sig.createdAt.After(lastAccepted) {
			lastAccepted = sig.createdAt
		}
		if sig.profitable.Valid {
			resolved++
			outcome := 0.0
			if sig.profitable.Bool {
				hits++
				outcome = 1.0
			}
			if sig.score.Valid {
				p := clamp01(sig.score.Float64 / 10)
				brierSum += (p - outcome) * (p - outcome)
				brierN++
			}
		}
	}
	s.Resolved = resolved

	// Spam gate.
	if s.Submitted >= acceptanceMinSubmits &&
		float64(s.Accepted)/float64(s.Submitted) < acceptanceFloor {
		return s, nil
	}

	if resolved >= MinResolvedForHitRate {
		s.HitRate = float64(hits) / float64(resolved)
	}

	// Calibration is the Brier score against a 0.25 random baseline: 0
	// means perfect, 0.25 means coin-flip. Fewer scored outcomes than the
	// hit-rate gate reads as neutral.
	brier := 0.25
	if brierN >= MinResolvedForHitRate {
		brier = brierSum / float64(brierN)
	}
	s.Calibration = clamp01(1 - brier/0.25)

	s.Volume = clamp01(math.Log1p(float64(s.Accepted)) / math.Log1p(volumeSaturationCount))

	// Consistency is the sqrt-scaled streak of consecutive days with at
	// least one accepted signal, ending at the most recent one.
	s.Streak = consecutiveDayStreak(acceptedDays)
	s.Consistency = clamp01(math.Sqrt(float64(s.Streak)) / math.Sqrt(activityWindowDays))

	if !lastAccepted.IsZero() {
		ageDays := now.Sub(lastAccepted).Hours() / 24
		s.Recency = clamp01(1 - ageDays/float64(activityWindowDays))
	}

	s.Composite = 100 * (weightHitRate*s.HitRate +
		weightCalibration*s.Calibration +
		weightVolume*s.Volume +
		weightConsistency*s.Consistency +
		weightRecency*s.Recency)
	return s, nil
}

// consecutiveDayStreak counts the run of consecutive calendar days in the
// set, walking backward from the most recent.
func consecutiveDayStreak(days map[string]bool) int {
	if len(days) == 0 {
		return 0
	}
	sorted := make([]string, 0, len(days))
	for d := range days {
		sorted = append(sorted, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(sorted)))

	streak := 1
	prev, err := time.Parse("2006-01-02", sorted[0])
	if err != nil {
		return 0
	}
	for _, d := range sorted[1:] {
		cur, err := time.Parse("2006-01-02", d)
		if err != nil || !cur.AddDate(0, 0, 1).Equal(prev) {
			break
		}
		streak++
		prev = cur
	}
	return streak
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
