package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigTree(t *testing.T, defaultYAML, presetName, presetYAML string) (configDir, dataDir string) {
	t.Helper()
	root := t.TempDir()
	configDir = filepath.Join(root, "config")
	dataDir = filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(filepath.Join(configDir, "presets"), 0o755))
	require.NoError(t, os.MkdirAll(dataDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "default.yaml"), []byte(defaultYAML), 0o644))
	if presetName != "" {
		require.NoError(t, os.WriteFile(filepath.Join(configDir, "presets", presetName+".yaml"), []byte(presetYAML), 0o644))
	}
	return configDir, dataDir
}

const balancedPreset = `
weights:
  curator: 0.25
  onchain: 0.25
  tradfi: 0.20
  social: 0.15
  technical: 0.10
  events: 0.05
risk:
  max_leverage: 2.0
  max_position_pct: 0.10
  max_portfolio_heat_pct: 0.06
  daily_loss_limit_pct: 0.03
  max_drawdown_pct: 0.30
`

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMergesPresetUnderDefaults(t *testing.T) {
	configDir, dataDir := writeConfigTree(t, `
preset: balanced
execution:
  mode: paper
  paper_min_days: 7
`, "balanced", balancedPreset)

	cfg, err := Load(configDir, dataDir)
	require.NoError(t, err)

	// default.yaml wins over the preset for execution; preset supplies weights.
	assert.Equal(t, 7, cfg.Execution.PaperMinDays)
	assert.Equal(t, 0.25, cfg.Weights.Curator)
	assert.Equal(t, 2.0, cfg.Risk.MaxLeverage)
}

func TestLoadAppliesLearnedOverlay(t *testing.T) {
	configDir, dataDir := writeConfigTree(t, "preset: balanced\n", "balanced", balancedPreset)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "learned_weights.yaml"), []byte(`
weights:
  curator: 0.30
  onchain: 0.22
  tradfi: 0.18
  social: 0.15
  technical: 0.10
  events: 0.05
`), 0o644))

	cfg, err := Load(configDir, dataDir)
	require.NoError(t, err)
	assert.Equal(t, 0.30, cfg.Weights.Curator)
	assert.Equal(t, 0.22, cfg.Weights.Onchain)
}

func TestWeightsMustSumToOne(t *testing.T) {
	w := DefaultWeights()
	require.NoError(t, w.Validate())

	w.Curator = 0.5
	assert.Error(t, w.Validate())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad preset", func(c *Config) { c.Preset = "yolo" }},
		{"bad mode", func(c *Config) { c.Execution.Mode = "mainnet" }},
		{"zero paper_min_days", func(c *Config) { c.Execution.PaperMinDays = 0 }},
		{"bad settlement mode", func(c *Config) { c.Karma.SettlementMode = "hourly" }},
		{"empty universe", func(c *Config) { c.Universe.Symbols = nil }},
		{"future schema", func(c *Config) { c.ConfigVersion = "2.0.0" }},
		{"garbage version", func(c *Config) { c.ConfigVersion = "not-semver" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSchemaVersionWithinConstraint(t *testing.T) {
	cfg := Default()
	cfg.ConfigVersion = "1.2.3"
	assert.NoError(t, cfg.Validate())
}

func TestWeightsMapRoundTrip(t *testing.T) {
	w := DefaultWeights()
	m := w.Map()
	assert.Len(t, m, 6)
	back := Weights{}.FromMap(m)
	assert.Equal(t, w, back)
}
