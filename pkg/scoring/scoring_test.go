package scoring

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b1e55ed/engine/pkg/journal"
	"github.com/b1e55ed/engine/pkg/permissions"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := journal.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewRegistry(store.DB())
}

// seedSignal inserts a signal row at a chosen timestamp so the time-sensitive
// components can be tested deterministically.
func seedSignal(t *testing.T, r *Registry, contributorID string, score float64, accepted bool, profitable *bool, at time.Time) {
	t.Helper()
	var prof interface{}
	if profitable != nil {
		prof = boolInt(*profitable)
	}
	_, err := r.db.Exec(
		`INSERT INTO contributor_signals (event_id, contributor_id, signal_asset, signal_direction, signal_score, accepted, profitable, created_at)
		 VALUES (?, ?, 'BTC', 'long', ?, ?, ?, ?)`,
		fmt.Sprintf("ev-%s-%d", contributorID, at.UnixNano()), contributorID, score, boolInt(accepted), prof,
		at.Format(time.RFC3339Nano))
	require.NoError(t, err)
}

func bp(b bool) *bool { return &b }

func TestRegisterAndGet(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	c, err := r.Register(ctx, "node-1", permissions.RoleAgent, "alpha-feed")
	require.NoError(t, err)
	require.NotEmpty(t, c.ID)

	got, err := r.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, permissions.RoleAgent, got.Role)
	assert.Equal(t, "alpha-feed", got.DisplayName)

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrContributorNotFound)
}

func TestRegisterRejectsUnknownRole(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Register(context.Background(), "node-1", permissions.Role("root"), "x")
	assert.Error(t, err)
}

func TestResolveSignalRequiresAccepted(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	c, err := r.Register(ctx, "node-1", permissions.RoleAgent, "a")
	require.NoError(t, err)

	require.NoError(t, r.RecordSignal(ctx, "ev-rej", c.ID, "BTC", "long", 7, false))
	assert.Error(t, r.ResolveSignal(ctx, "ev-rej", true))

	require.NoError(t, r.RecordSignal(ctx, "ev-acc", c.ID, "BTC", "long", 7, true))
	assert.NoError(t, r.ResolveSignal(ctx, "ev-acc", true))
}

func TestScoreNewContributorIsZero(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	c, err := r.Register(ctx, "node-1", permissions.RoleAgent, "a")
	require.NoError(t, err)

	s, err := r.ScoreContributor(ctx, c.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, s.Composite)
}

func TestScoreHitRateGate(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()
	c, err := r.Register(ctx, "node-1", permissions.RoleAgent, "a")
	require.NoError(t, err)

	// Four resolved wins: below the gate the accuracy term stays zero.
	for i := 0; i < 4; i++ {
		seedSignal(t, r, c.ID, 8, true, bp(true), now.Add(-time.Duration(i+1)*time.Hour))
	}
	s, err := r.ScoreContributor(ctx, c.ID, now)
	require.NoError(t, err)
	assert.Zero(t, s.HitRate)
	assert.Equal(t, 4, s.Resolved)

	// The fifth crosses it.
	seedSignal(t, r, c.ID, 8, true, bp(true), now.Add(-5*time.Hour))
	s, err = r.ScoreContributor(ctx, c.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.HitRate)
}

func TestScoreSpamCollapse(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()
	c, err := r.Register(ctx, "node-1", permissions.RoleAgent, "spam")
	require.NoError(t, err)

	// 1 accepted out of 20 submitted, under the 10% floor.
	seedSignal(t, r, c.ID, 8, true, bp(true), now.Add(-time.Hour))
	for i := 0; i < 19; i++ {
		seedSignal(t, r, c.ID, 8, false, nil, now.Add(-time.Duration(i+2)*time.Hour))
	}

	s, err := r.ScoreContributor(ctx, c.ID, now)
	require.NoError(t, err)
	assert.Zero(t, s.Composite)
	assert.Equal(t, 20, s.Submitted)
	assert.Equal(t, 1, s.Accepted)
}

func TestScoreCalibrationPrefersHonestConfidence(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()

	honest, err := r.Register(ctx, "node-1", permissions.RoleAgent, "honest")
	require.NoError(t, err)
	loud, err := r.Register(ctx, "node-2", permissions.RoleAgent, "loud")
	require.NoError(t, err)

	// Same 4/6 hit rate; honest states 9/10 on wins and 2/10 on losses,
	// loud states 10/10 on everything.
	for i := 0; i < 6; i++ {
		win := i < 4
		at := now.Add(-time.Duration(i+1) * time.Hour)
		honestScore := 9.0
		if !win {
			honestScore = 2.0
		}
		seedSignal(t, r, honest.ID, honestScore, true, bp(win), at)
		seedSignal(t, r, loud.ID, 10, true, bp(win), at)
	}

	sh, err := r.ScoreContributor(ctx, honest.ID, now)
	require.NoError(t, err)
	sl, err := r.ScoreContributor(ctx, loud.ID, now)
	require.NoError(t, err)

	assert.Equal(t, sh.HitRate, sl.HitRate)
	assert.Greater(t, sh.Calibration, sl.Calibration)
	assert.Greater(t, sh.Composite, sl.Composite)
	// Brier 0.02 against the 0.25 random baseline.
	assert.InDelta(t, 0.92, sh.Calibration, 1e-9)
	// Brier 1/3 is worse than random, clamped to zero.
	assert.Zero(t, sl.Calibration)
}

func TestScoreCalibrationNeutralBelowGate(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()
	c, err := r.Register(ctx, "node-1", permissions.RoleAgent, "sparse")
	require.NoError(t, err)

	// Four perfectly-called outcomes: below the gate calibration stays
	// neutral, not optimistic.
	for i := 0; i < 4; i++ {
		seedSignal(t, r, c.ID, 10, true, bp(true), now.Add(-time.Duration(i+1)*time.Hour))
	}
	s, err := r.ScoreContributor(ctx, c.ID, now)
	require.NoError(t, err)
	assert.Zero(t, s.Calibration)

	seedSignal(t, r, c.ID, 10, true, bp(true), now.Add(-5*time.Hour))
	s, err = r.ScoreContributor(ctx, c.ID, now)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s.Calibration, 1e-9)
}

func TestScoreConsistencyAndRecency(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()
	c, err := r.Register(ctx, "node-1", permissions.RoleAgent, "steady")
	require.NoError(t, err)

	// One accepted signal on each of the last 15 days, two on the most
	// recent day so distinct days are what counts.
	for i := 0; i < 15; i++ {
		seedSignal(t, r, c.ID, 6, true, bp(true), now.AddDate(0, 0, -i).Add(-time.Hour))
	}
	seedSignal(t, r, c.ID, 6, true, bp(true), now.Add(-2*time.Hour))

	s, err := r.ScoreContributor(ctx, c.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 15, s.Streak)
	// sqrt scaling gives diminishing credit per extra day.
	assert.InDelta(t, math.Sqrt(15.0/30.0), s.Consistency, 1e-9)
	assert.InDelta(t, 1.0, s.Recency, 0.01)
	assert.Positive(t, s.Composite)
	assert.LessOrEqual(t, s.Composite, 100.0)
}

func TestScoreStreakBreaksOnGap(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()
	c, err := r.Register(ctx, "node-1", permissions.RoleAgent, "gappy")
	require.NoError(t, err)

	// Three recent consecutive days, then a gap, then five older days: only
	// the recent run counts.
	for i := 0; i < 3; i++ {
		seedSignal(t, r, c.ID, 6, true, bp(true), now.AddDate(0, 0, -i).Add(-time.Hour))
	}
	for i := 5; i < 10; i++ {
		seedSignal(t, r, c.ID, 6, true, bp(true), now.AddDate(0, 0, -i).Add(-time.Hour))
	}

	s, err := r.ScoreContributor(ctx, c.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Streak)
	assert.InDelta(t, math.Sqrt(3.0/30.0), s.Consistency, 1e-9)
}

func TestScoreRecencyDecays(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()
	c, err := r.Register(ctx, "node-1", permissions.RoleAgent, "stale")
	require.NoError(t, err)

	seedSignal(t, r, c.ID, 6, true, bp(true), now.AddDate(0, 0, -45))

	s, err := r.ScoreContributor(ctx, c.ID, now)
	require.NoError(t, err)
	assert.Zero(t, s.Recency)
	// The single-day streak still earns its sqrt-scaled sliver.
	assert.Equal(t, 1, s.Streak)
	assert.InDelta(t, math.Sqrt(1.0/30.0), s.Consistency, 1e-9)
}
