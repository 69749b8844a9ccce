package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/b1e55ed/engine/pkg/api"
	"github.com/b1e55ed/engine/pkg/brain"
	"github.com/b1e55ed/engine/pkg/config"
	"github.com/b1e55ed/engine/pkg/execution"
	"github.com/b1e55ed/engine/pkg/identity"
	"github.com/b1e55ed/engine/pkg/journal"
	"github.com/b1e55ed/engine/pkg/karma"
	"github.com/b1e55ed/engine/pkg/learning"
	"github.com/b1e55ed/engine/pkg/marketdata"
	"github.com/b1e55ed/engine/pkg/observability"
	"github.com/b1e55ed/engine/pkg/producers"
	"github.com/b1e55ed/engine/pkg/projections"
	"github.com/b1e55ed/engine/pkg/scoring"
)

// stack is the assembled runtime: everything the server and one-shot commands
// need, built once from config.
type stack struct {
	cfg      config.Config
	log      *slog.Logger
	store    *journal.SQLiteStore
	ident    *identity.NodeIdentity
	telem    *observability.Provider
	prices   marketdata.PriceSource
	broker   *execution.PaperBroker
	tracker  *execution.PnLTracker
	kill     *brain.KillSwitch
	oms      *execution.OMS
	orch     *brain.Orchestrator
	registry *producers.Registry
	settler  *karma.Settler
	attrib   *learning.Attributor
	adjuster *learning.Adjuster
}

func commonFlags(fs *flag.FlagSet) (configDir, dataDir *string) {
	configDir = fs.String("config", "config", "Config directory (default.yaml + presets/)")
	dataDir = fs.String("data", "", "Data directory override (default: config data_dir)")
	return configDir, dataDir
}

func loadConfig(configDir, dataDir string) (config.Config, error) {
	cfg, err := config.Load(configDir, dataDir)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
		err = nil
	}
	if err != nil {
		return config.Config{}, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

func buildStack(ctx context.Context, configDir, dataDir string) (*stack, error) {
	cfg, err := loadConfig(configDir, dataDir)
	if err != nil {
		return nil, err
	}
	log := observability.NewLogger(cfg.Logging)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := journal.Open(filepath.Join(cfg.DataDir, "journal.db"))
	if err != nil {
		return nil, err
	}

	ident, err := identity.Ensure(filepath.Join(cfg.DataDir, "node.key"))
	if err != nil {
		store.Close()
		return nil, err
	}

	telem, err := observability.New(ctx, cfg.Telemetry, version, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	var prices marketdata.PriceSource
	var sink marketdata.PriceSink
	if addr := os.Getenv("B1E55ED_REDIS_ADDR"); addr != "" {
		rp := marketdata.NewRedisPrices(redis.NewClient(&redis.Options{Addr: addr}), "engine", 5*time.Minute)
		prices, sink = rp, rp
	} else {
		mp := marketdata.NewMemoryPrices()
		prices, sink = mp, mp
	}
	registry, err := producers.NewRegistry(store, store.DB(), log)
	if err != nil {
		store.Close()
		return nil, err
	}
	quoter := markQuoter{prices: prices}
	if err := registry.Register(ctx,
		producers.NewPriceProducer("paper-marks", cfg.Universe.Symbols, quoter, sink),
		time.Minute); err != nil {
		store.Close()
		return nil, err
	}

	broker, err := execution.NewPaperBroker(ctx, store.DB(), prices, cfg.Execution, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	tracker := execution.NewPnLTracker(store.DB(), prices, broker)

	kill, err := brain.NewKillSwitch(ctx, store, brain.KillThresholds{
		L1DailyLossPct:     cfg.KillSwitch.L1DailyLossPct,
		L2PortfolioHeatPct: cfg.KillSwitch.L2PortfolioHeatPct,
		L3CrisisThreshold:  cfg.KillSwitch.L3CrisisThreshold,
		L4MaxDrawdownPct:   cfg.KillSwitch.L4MaxDrawdownPct,
	}, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	pf, err := execution.NewPreflight(cfg.Risk, cfg.Execution, kill)
	if err != nil {
		store.Close()
		return nil, err
	}
	sizer := execution.NewSizer(cfg.Risk, cfg.Execution)

	s := &stack{
		cfg:      cfg,
		log:      log,
		store:    store,
		ident:    ident,
		telem:    telem,
		prices:   prices,
		broker:   broker,
		tracker:  tracker,
		kill:     kill,
		registry: registry,
	}

	var hook execution.SettlementHook
	if cfg.Karma.Enabled {
		engine := karma.NewEngine(store.DB(), store, ident, cfg.Karma, log)
		settler, err := karma.NewSettler(ctx, engine)
		if err != nil {
			store.Close()
			return nil, err
		}
		s.settler = settler
		hook = engine
	}

	s.oms = execution.NewOMS(store, pf, sizer, broker, tracker, hook, log)
	s.orch = brain.NewOrchestrator(store, store.DB(), &s.cfg, projections.NewManager(),
		kill, s.oms, tracker, ident.PublicKeyHex(), log)
	s.attrib = learning.NewAttributor(store.DB(), store, log)
	s.adjuster = learning.NewAdjuster(store.DB(), store, cfg.DataDir, cfg.Weights, "daily")
	return s, nil
}

// markQuoter republishes the engine's current marks so the journal carries a
// price trail even when no external feed is configured.
type markQuoter struct {
	prices marketdata.PriceSource
}

func (q markQuoter) Quotes(ctx context.Context, symbols []string) ([]producers.Quote, error) {
	now := time.Now().UTC()
	out := make([]producers.Quote, 0, len(symbols))
	for _, symbol := range symbols {
		mark, err := q.prices.Mark(ctx, symbol)
		if errors.Is(err, marketdata.ErrNoPrice) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, producers.Quote{Symbol: symbol, Price: mark, Venue: "paper", ObservedAt: now})
	}
	return out, nil
}

func (s *stack) close(ctx context.Context) {
	if s.telem != nil {
		_ = s.telem.Shutdown(ctx)
	}
	_ = s.store.Close()
}

// runOneCycle refreshes producer signals, runs a brain cycle with telemetry,
// and does the post-cycle bookkeeping.
func (s *stack) runOneCycle(ctx context.Context) (*brain.CycleResult, error) {
	now := time.Now().UTC()
	if _, err := s.registry.RunAll(ctx); err != nil {
		s.log.Warn("producer run failed", "error", err)
	}
	cctx, done := s.telem.StartCycle(ctx, "")
	res, err := s.orch.RunCycle(cctx, now)
	done(err)
	if err != nil {
		s.telem.RecordError(ctx, "brain", err)
		return nil, err
	}
	for _, conv := range res.Convictions {
		s.telem.RecordConviction(ctx, conv.Symbol, conv.Final)
	}
	s.telem.RecordTrade(ctx, "", res.Submitted > 0)

	s.attributePending(ctx)
	if s.settler != nil {
		if _, err := s.settler.MaybeSettle(ctx, now); err != nil {
			s.log.Warn("karma settlement check failed", "error", err)
		}
	}
	return res, nil
}

// attributePending closes the learning loop for any position that closed since
// the last pass.
func (s *stack) attributePending(ctx context.Context) {
	rows, err := s.store.DB().QueryContext(ctx,
		`SELECT id FROM positions
		 WHERE status = 'closed'
		   AND id NOT IN (SELECT position_id FROM learning_outcomes)`)
	if err != nil {
		s.log.Warn("load pending attributions", "error", err)
		return
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			s.log.Warn("scan pending attribution", "error", err)
			return
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := s.attrib.AttributeClose(ctx, id); err != nil && !errors.Is(err, learning.ErrNoConviction) {
			s.log.Warn("attribution failed", "position_id", id, "error", err)
		}
	}
}

// adjustWeights runs the bounded learning adjustment and swaps the live
// weights when it applies.
func (s *stack) adjustWeights(ctx context.Context) {
	res, err := s.adjuster.AdjustDomainWeights(ctx, time.Now().UTC(), s.cfg.Weights)
	if err != nil {
		s.log.Warn("weight adjustment failed", "error", err)
		return
	}
	if !res.Applied {
		s.log.Info("weight adjustment skipped", "reason", res.Reason)
		return
	}
	s.cfg.Weights = s.cfg.Weights.FromMap(res.NewWeights)
	s.orch.SetWeights(res.NewWeights)
	s.log.Info("weights adjusted", "samples", res.Samples)
}

// engineStatus backs GET /v1/status.
type engineStatus struct {
	s *stack
}

func (e engineStatus) Status(ctx context.Context) (map[string]interface{}, error) {
	acct, err := e.s.tracker.Snapshot(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	open, err := e.s.broker.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	var total int64
	if err := e.s.store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events`).Scan(&total); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"version":        version,
		"node_id":        e.s.ident.PublicKeyHex(),
		"preset":         e.s.cfg.Preset,
		"mode":           e.s.cfg.Execution.Mode,
		"kill_switch":    e.s.kill.Level().String(),
		"equity":         acct.Equity,
		"daily_pnl":      acct.DailyPnL,
		"open_positions": len(open),
		"journal_events": total,
	}, nil
}

func apiSecret() ([]byte, error) {
	secret := os.Getenv("B1E55ED_API_SECRET")
	if secret == "" {
		return nil, errors.New("B1E55ED_API_SECRET is not set")
	}
	if len(secret) < 16 {
		return nil, errors.New("B1E55ED_API_SECRET must be at least 16 bytes")
	}
	return []byte(secret), nil
}

func runServerCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configDir, dataDir := commonFlags(fs)
	noAPI := fs.Bool("no-api", false, "Run the decision loop without the HTTP API")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := buildStack(ctx, *configDir, *dataDir)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer s.close(context.Background())

	fmt.Fprintf(stdout, "%sengine %s%s starting\n", colorBold+colorBlue, version, colorReset)
	fmt.Fprintf(stdout, "node %s%s%s preset=%s mode=%s\n",
		colorGreen, s.ident.PublicKeyHex(), colorReset, s.cfg.Preset, s.cfg.Execution.Mode)

	if !*noAPI {
		secret, err := apiSecret()
		if err != nil {
			fmt.Fprintf(stderr, "api disabled: %v (use --no-api to silence)\n", err)
			return 1
		}
		server := api.NewServer(api.Options{
			Auth:     api.NewAuthenticator(secret),
			Status:   engineStatus{s: s},
			Store:    s.store,
			DB:       s.store.DB(),
			Registry: scoring.NewRegistry(s.store.DB()),
			Universe: s.cfg.Universe.Symbols,
			Log:      s.log,
		})
		addr := fmt.Sprintf("%s:%d", s.cfg.API.Host, s.cfg.API.Port)
		go func() {
			if err := server.ListenAndServe(ctx, addr); err != nil {
				s.log.Error("api server stopped", "error", err)
				cancel()
			}
		}()
	}

	interval := time.Duration(s.cfg.Brain.CycleIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	cycleTicker := time.NewTicker(interval)
	defer cycleTicker.Stop()
	learnTicker := time.NewTicker(24 * time.Hour)
	defer learnTicker.Stop()

	s.log.Info("decision loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("shutting down")
			return 0
		case <-cycleTicker.C:
			if _, err := s.runOneCycle(ctx); err != nil {
				s.log.Error("cycle failed", "error", err)
			}
		case <-learnTicker.C:
			s.adjustWeights(ctx)
		}
	}
}

func runCycleCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cycle", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configDir, dataDir := commonFlags(fs)
	jsonOut := fs.Bool("json", false, "Output result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	s, err := buildStack(ctx, *configDir, *dataDir)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer s.close(ctx)

	res, err := s.runOneCycle(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "cycle failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(stdout, map[string]interface{}{
			"cycle_id":   res.CycleID,
			"regime":     string(res.Regime),
			"kill_level": res.KillLevel.String(),
			"quality":    res.Quality,
			"submitted":  res.Submitted,
			"blocked":    res.Blocked,
		})
		return 0
	}
	fmt.Fprintf(stdout, "cycle %s: regime=%s kill=%s quality=%.2f submitted=%d blocked=%d\n",
		res.CycleID, res.Regime, res.KillLevel.String(), res.Quality, res.Submitted, res.Blocked)
	return 0
}

// openReadOnly opens just the journal for commands that never trade.
func openReadOnly(configDir, dataDir string) (config.Config, *journal.SQLiteStore, error) {
	cfg, err := loadConfig(configDir, dataDir)
	if err != nil {
		return config.Config{}, nil, err
	}
	store, err := journal.Open(filepath.Join(cfg.DataDir, "journal.db"))
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, store, nil
}

func countEvents(ctx context.Context, db *sql.DB) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

func printJSON(w io.Writer, v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}
