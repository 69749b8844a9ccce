package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/b1e55ed/engine/pkg/replay"
)

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configDir, dataDir := commonFlags(fs)
	jsonOut := fs.Bool("json", false, "Output result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	_, store, err := openReadOnly(*configDir, *dataDir)
	if err != nil {
		fmt.Fprintf(stderr, "open journal: %v\n", err)
		return 1
	}
	defer store.Close()

	res, err := replay.Verify(ctx, store)
	if err != nil {
		fmt.Fprintf(stderr, "verification error: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(stdout, res)
	} else {
		fmt.Fprintf(stdout, "events:        %d\n", res.TotalEvents)
		fmt.Fprintf(stdout, "hash chain:    %s\n", okLabel(res.ValidChain, len(res.ChainBreaks)))
		fmt.Fprintf(stdout, "hashes:        %d verified, %d mismatched\n", res.HashesVerified, len(res.HashMismatches))
		fmt.Fprintf(stdout, "order:         %s\n", okLabel(res.OrderValid, 0))
		fmt.Fprintf(stdout, "duplicates:    %d\n", len(res.DuplicateIDs))
		fmt.Fprintf(stdout, "deterministic: %v\n", res.Deterministic)
		if res.StateHash != "" {
			fmt.Fprintf(stdout, "state hash:    %s\n", res.StateHash)
		}
	}

	if !res.Ok() {
		return 1
	}
	return 0
}

func okLabel(ok bool, defects int) string {
	if ok {
		return "OK"
	}
	return fmt.Sprintf("BROKEN (%d defects)", defects)
}
