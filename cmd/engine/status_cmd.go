package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/b1e55ed/engine/pkg/brain"
	"github.com/b1e55ed/engine/pkg/journal"
)

func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configDir, dataDir := commonFlags(fs)
	jsonOut := fs.Bool("json", false, "Output result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	cfg, store, err := openReadOnly(*configDir, *dataDir)
	if err != nil {
		fmt.Fprintf(stderr, "open journal: %v\n", err)
		return 1
	}
	defer store.Close()

	total, err := countEvents(ctx, store.DB())
	if err != nil {
		fmt.Fprintf(stderr, "count events: %v\n", err)
		return 1
	}

	var lastSeq int64
	var lastHash string
	tail, err := store.Query(ctx, journal.Filter{Descending: true, Limit: 1})
	if err != nil {
		fmt.Fprintf(stderr, "read tail: %v\n", err)
		return 1
	}
	if len(tail) == 1 {
		lastSeq = tail[0].Seq
		lastHash = tail[0].Hash
	}

	kill, err := brain.NewKillSwitch(ctx, store, brain.KillThresholds{}, nil)
	if err != nil {
		fmt.Fprintf(stderr, "rehydrate kill switch: %v\n", err)
		return 1
	}

	var openPositions, closedPositions int
	if err := store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM positions WHERE status = 'open'`).Scan(&openPositions); err != nil {
		fmt.Fprintf(stderr, "count positions: %v\n", err)
		return 1
	}
	if err := store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM positions WHERE status = 'closed'`).Scan(&closedPositions); err != nil {
		fmt.Fprintf(stderr, "count positions: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(stdout, map[string]interface{}{
			"preset":           cfg.Preset,
			"mode":             cfg.Execution.Mode,
			"kill_switch":      kill.Level().String(),
			"journal_events":   total,
			"last_seq":         lastSeq,
			"last_hash":        lastHash,
			"open_positions":   openPositions,
			"closed_positions": closedPositions,
		})
		return 0
	}

	fmt.Fprintf(stdout, "%sengine status%s\n", colorBold+colorBlue, colorReset)
	fmt.Fprintf(stdout, "  preset:      %s (%s)\n", cfg.Preset, cfg.Execution.Mode)
	fmt.Fprintf(stdout, "  kill switch: %s\n", kill.Level().String())
	fmt.Fprintf(stdout, "  journal:     %d events, tail seq %d\n", total, lastSeq)
	if lastHash != "" {
		fmt.Fprintf(stdout, "  tail hash:   %s\n", lastHash)
	}
	fmt.Fprintf(stdout, "  positions:   %d open, %d closed\n", openPositions, closedPositions)
	return 0
}
