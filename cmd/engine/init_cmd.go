package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/b1e55ed/engine/pkg/identity"
	"github.com/b1e55ed/engine/pkg/journal"
)

// starterConfig is written on first init; everything omitted falls back to
// built-in defaults.
const starterConfig = `config_version: "1.0.0"
preset: balanced
data_dir: data

universe:
  symbols: [BTC, ETH, SOL]

execution:
  mode: paper
  paper_start_balance: 10000

api:
  host: 127.0.0.1
  port: 5050

logging:
  level: INFO
  json_output: false
`

func runInitCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configDir, dataDir := commonFlags(fs)
	jsonOut := fs.Bool("json", false, "Output result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := os.MkdirAll(*configDir, 0o755); err != nil {
		fmt.Fprintf(stderr, "create config dir: %v\n", err)
		return 1
	}
	configPath := filepath.Join(*configDir, "default.yaml")
	wroteConfig := false
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := os.WriteFile(configPath, []byte(starterConfig), 0o644); err != nil {
			fmt.Fprintf(stderr, "write config: %v\n", err)
			return 1
		}
		wroteConfig = true
	}

	cfg, err := loadConfig(*configDir, *dataDir)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		fmt.Fprintf(stderr, "create data dir: %v\n", err)
		return 1
	}

	// Opening the journal creates the schema and the genesis state.
	store, err := journal.Open(filepath.Join(cfg.DataDir, "journal.db"))
	if err != nil {
		fmt.Fprintf(stderr, "open journal: %v\n", err)
		return 1
	}
	defer store.Close()

	ident, err := identity.Ensure(filepath.Join(cfg.DataDir, "node.key"))
	if err != nil {
		fmt.Fprintf(stderr, "node identity: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(stdout, map[string]interface{}{
			"config_path":  configPath,
			"config_new":   wroteConfig,
			"data_dir":     cfg.DataDir,
			"node_id":      ident.PublicKeyHex(),
			"preset":       cfg.Preset,
			"journal_path": filepath.Join(cfg.DataDir, "journal.db"),
		})
		return 0
	}

	fmt.Fprintf(stdout, "%sengine initialized%s\n", colorBold+colorGreen, colorReset)
	if wroteConfig {
		fmt.Fprintf(stdout, "  config:  %s (created)\n", configPath)
	} else {
		fmt.Fprintf(stdout, "  config:  %s\n", configPath)
	}
	fmt.Fprintf(stdout, "  data:    %s\n", cfg.DataDir)
	fmt.Fprintf(stdout, "  node:    %s\n", ident.PublicKeyHex())
	fmt.Fprintf(stdout, "  preset:  %s\n", cfg.Preset)
	return 0
}
