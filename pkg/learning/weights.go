package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/b1e55ed/engine/pkg/config"
	"github.com/b1e55ed/engine/pkg/events"
	"github.com/b1e55ed/engine/pkg/journal"
)

const (
	MinObservations    = 20
	WindowDays         = 30
	MaxWeightDelta     = 0.02
	WarmupWeightDelta  = 0.01
	MinDomainWeight    = 0.05
	MaxDomainWeight    = 0.40
	ReversionThreshold = 3

	baselineDays = 30
	warmupDays   = 90
)

// minDomainSamples is the per-domain floor below which a correlation is
// treated as noise.
var minDomainSamples = int(math.Max(5, MinObservations/2))

// AdjustResult reports one weight-adjustment attempt. Applied=false carries
// the reason the adjustment was blocked.
type AdjustResult struct {
	Applied    bool
	Reason     string
	OldWeights map[config.Domain]float64
	NewWeights map[config.Domain]float64
	Deltas     map[config.Domain]float64
	Samples    int
}

// Adjuster runs the bounded weight-adjustment cycle over attributed outcomes.
type Adjuster struct {
	db        *sql.DB
	store     journal.Store
	dataDir   string
	preset    config.Weights
	cycleType string
}

func NewAdjuster(db *sql.DB, store journal.Store, dataDir string, preset config.Weights, cycleType string) *Adjuster {
	if cycleType == "" {
		cycleType = "daily"
	}
	return &Adjuster{db: db, store: store, dataDir: dataDir, preset: preset, cycleType: cycleType}
}

type observation struct {
	pnl    float64
	scores map[string]float64
}

func (a *Adjuster) loadObservations(ctx context.Context, since time.Time) ([]observation, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT realized_pnl, domain_scores FROM learning_outcomes WHERE recorded_at >= ?`,
		since.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("learning: load outcomes: %w", err)
	}
	defer rows.Close()

	var out []observation
	for rows.Next() {
		var obs observation
		var scoresJSON string
		if err := rows.Scan(&obs.pnl, &scoresJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(scoresJSON), &obs.scores); err != nil {
			return nil, fmt.Errorf("learning: parse outcome scores: %w", err)
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// firstCloseAt returns the timestamp of the earliest closed position, or nil.
func (a *Adjuster) firstCloseAt(ctx context.Context) (*time.Time, error) {
	var ts sql.NullString
	err := a.db.QueryRowContext(ctx,
		`SELECT MIN(closed_at) FROM positions WHERE status = 'closed'`).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("learning: first close: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	first, err := time.Parse(time.RFC3339Nano, ts.String)
	if err != nil {
		return nil, fmt.Errorf("learning: parse first close: %w", err)
	}
	return &first, nil
}

// pearson computes the correlation between xs and ys. Degenerate series
// (constant either side) correlate at zero.
func pearson(xs, ys []float64) float64 {
	n := float64(len(xs))
	if n == 0 {
		return 0
	}
	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for i := range xs {
		dx, dy := xs[i]-meanX, ys[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// AdjustDomainWeights runs one adjustment cycle against current weights.
func (a *Adjuster) AdjustDomainWeights(ctx context.Context, now time.Time, current config.Weights) (*AdjustResult, error) {
	res := &AdjustResult{
		OldWeights: current.Map(),
		NewWeights: current.Map(),
		Deltas:     map[config.Domain]float64{},
	}

	first, err := a.firstCloseAt(ctx)
	if err != nil {
		return nil, err
	}
	if first == nil {
		res.Reason = "cold_start_no_history"
		return res, a.persist(ctx, res, current)
	}
	age := now.Sub(*first)
	if age < baselineDays*24*time.Hour {
		res.Reason = "cold_start_baseline"
		return res, a.persist(ctx, res, current)
	}
	maxDelta := MaxWeightDelta
	if age < warmupDays*24*time.Hour {
		maxDelta = WarmupWeightDelta
	}

	reverted, err := a.shouldRevert(ctx)
	if err != nil {
		return nil, err
	}
	if reverted {
		res.Applied = true
		res.Reason = "reverted"
		res.NewWeights = a.preset.Map()
		for d, w := range res.NewWeights {
			res.Deltas[d] = w - res.OldWeights[d]
		}
		return res, a.persistApplied(ctx, res)
	}

	obs, err := a.loadObservations(ctx, now.Add(-WindowDays*24*time.Hour))
	if err != nil {
		return nil, err
	}
	res.Samples = len(obs)
	if len(obs) < MinObservations {
		res.Reason = "insufficient_data"
		return res, a.persist(ctx, res, current)
	}

	next := make(map[config.Domain]float64, len(res.OldWeights))
	for _, d := range config.Domains {
		var xs, ys []float64
		for _, o := range obs {
			score, ok := o.scores[string(d)]
			if !ok {
				continue
			}
			xs = append(xs, score)
			ys = append(ys, sign(o.pnl))
		}
		var corr float64
		if len(xs) >= minDomainSamples {
			corr = pearson(xs, ys)
		}
		delta := clampF(corr*maxDelta, -maxDelta, maxDelta)
		res.Deltas[d] = delta
		next[d] = clampF(res.OldWeights[d]+delta, MinDomainWeight, MaxDomainWeight)
	}

	normalize(next)
	res.NewWeights = next
	res.Applied = true
	res.Reason = "adjusted"
	return res, a.persistApplied(ctx, res)
}

// normalize scales weights to sum to 1, re-clamps to the bounds, and settles
// any residual drift onto the heaviest domain that still has room.
func normalize(w map[config.Domain]float64) {
	var sum float64
	for _, v := range w {
		sum += v
	}
	if sum == 0 {
		return
	}
	for d := range w {
		w[d] = clampF(w[d]/sum, MinDomainWeight, MaxDomainWeight)
	}

	for i := 0; i < len(w); i++ {
		sum = 0
		for _, v := range w {
			sum += v
		}
		residual := 1 - sum
		if math.Abs(residual) < 1e-9 {
			return
		}
		var target config.Domain
		found := false
		for d, v := range w {
			hasRoom := (residual > 0 && v < MaxDomainWeight) || (residual < 0 && v > MinDomainWeight)
			if hasRoom && (!found || v > w[target]) {
				target = d
				found = true
			}
		}
		if !found {
			return
		}
		w[target] = clampF(w[target]+residual, MinDomainWeight, MaxDomainWeight)
	}
}

// shouldRevert checks whether the last ReversionThreshold adjustment cycles
// each performed worse than the cycle before them.
func (a *Adjuster) shouldRevert(ctx context.Context) (bool, error) {
	reports, err := a.store.Query(ctx, journal.Filter{
		Types:      []events.Type{events.LearningReportV1},
		Descending: true,
		Limit:      ReversionThreshold + 1,
	})
	if err != nil {
		return false, fmt.Errorf("learning: load reports: %w", err)
	}
	if len(reports) < ReversionThreshold+1 {
		return false, nil
	}

	// reports are newest-first
	avgs := make([]float64, 0, len(reports))
	for _, ev := range reports {
		v, ok := ev.Payload["avg_realized_pnl"].(float64)
		if !ok {
			return false, nil
		}
		avgs = append(avgs, v)
	}
	for i := 0; i < ReversionThreshold; i++ {
		if avgs[i] >= avgs[i+1] {
			return false, nil
		}
	}
	return true, nil
}

func (a *Adjuster) avgRealizedPnL(ctx context.Context, since time.Time) (float64, error) {
	var avg sql.NullFloat64
	err := a.db.QueryRowContext(ctx,
		`SELECT AVG(realized_pnl) FROM learning_outcomes WHERE recorded_at >= ?`,
		since.Format(time.RFC3339Nano)).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("learning: avg pnl: %w", err)
	}
	return avg.Float64, nil
}

// persist journals a blocked adjustment.
func (a *Adjuster) persist(ctx context.Context, res *AdjustResult, current config.Weights) error {
	return a.journalReport(ctx, res, current.Map())
}

// persistApplied journals the applied adjustment, updates the
// learning_weights rows, and rewrites the learned-weights overlay.
func (a *Adjuster) persistApplied(ctx context.Context, res *AdjustResult) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for d, w := range res.NewWeights {
		if _, err := a.db.ExecContext(ctx,
			`INSERT INTO learning_weights (cycle_type, domain, weight, delta, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (cycle_type, domain) DO UPDATE SET weight = excluded.weight,
				delta = excluded.delta, updated_at = excluded.updated_at`,
			a.cycleType, string(d), w, res.Deltas[d], now); err != nil {
			return fmt.Errorf("learning: upsert weight: %w", err)
		}
	}

	if err := a.writeOverlay(res.NewWeights); err != nil {
		return err
	}

	adjPayload := map[string]interface{}{
		"cycle_type": a.cycleType,
		"reason":     res.Reason,
		"samples":    res.Samples,
		"deltas":     domainMapPayload(res.Deltas),
		"weights":    domainMapPayload(res.NewWeights),
	}
	if _, err := a.store.Append(ctx, events.Draft{
		Type:    events.LearningWeightAdjustmentV1,
		Payload: adjPayload,
		Source:  "learning",
	}); err != nil {
		return fmt.Errorf("learning: journal adjustment: %w", err)
	}
	return a.journalReport(ctx, res, res.NewWeights)
}

func (a *Adjuster) journalReport(ctx context.Context, res *AdjustResult, weights map[config.Domain]float64) error {
	avg, err := a.avgRealizedPnL(ctx, time.Now().UTC().Add(-WindowDays*24*time.Hour))
	if err != nil {
		return err
	}
	if _, err := a.store.Append(ctx, events.Draft{
		Type: events.LearningReportV1,
		Payload: map[string]interface{}{
			"cycle_type":       a.cycleType,
			"applied":          res.Applied,
			"reason":           res.Reason,
			"samples":          res.Samples,
			"avg_realized_pnl": avg,
			"weights":          domainMapPayload(weights),
		},
		Source: "learning",
	}); err != nil {
		return fmt.Errorf("learning: journal report: %w", err)
	}
	return nil
}

// writeOverlay rewrites data/learned_weights.yaml, the config overlay.
func (a *Adjuster) writeOverlay(weights map[config.Domain]float64) error {
	if a.dataDir == "" {
		return nil
	}
	overlay := struct {
		Weights config.Weights `yaml:"weights"`
	}{Weights: config.Weights{}.FromMap(weights)}

	raw, err := yaml.Marshal(overlay)
	if err != nil {
		return fmt.Errorf("learning: marshal overlay: %w", err)
	}
	path := filepath.Join(a.dataDir, "learned_weights.yaml")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("learning: write overlay: %w", err)
	}
	return nil
}

func domainMapPayload(m map[config.Domain]float64) map[string]interface{} {
	keys := make([]string, 0, len(m))
	for d := range m {
		keys = append(keys, string(d))
	}
	sort.Strings(keys)
	out := make(map[string]interface{}, len(m))
	for _, k := range keys {
		out[k] = m[config.Domain(k)]
	}
	return out
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
